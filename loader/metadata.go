package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zero-day-ai/pluginhost"
	"github.com/zero-day-ai/pluginhost/plugin"
	"gopkg.in/yaml.v3"
)

// MetadataFile is the YAML file shipped next to a plugin library. For a
// library "Dog.so" it is "Dog.yaml" (or "Dog.yml") in the same directory.
//
//	name: Dog
//	description: A dog, man's best friend
//	provides: [Canine]
//	depends: [Bone]
//	data:
//	  sound: woof
//
// The interface identifier is deliberately not part of the file: it is read
// from the compiled library so it cannot drift from the code.
type MetadataFile struct {
	// Name overrides the plugin name derived from the library file name.
	Name string `yaml:"name,omitempty"`

	plugin.Metadata `yaml:",inline"`
}

// LoadMetadata reads and parses a metadata file.
func LoadMetadata(path string) (*MetadataFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata file: %w", err)
	}
	defer pluginhost.CloseWithLog(f, nil, path)

	var meta MetadataFile
	if err := yaml.NewDecoder(f).Decode(&meta); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse metadata file %s: %w", path, err)
	}

	return &meta, nil
}

// metadataFor returns the metadata for the library at libPath. A missing
// sidecar file is not an error; the zero MetadataFile is returned.
func metadataFor(libPath string) (*MetadataFile, error) {
	stem := strings.TrimSuffix(libPath, filepath.Ext(libPath))
	for _, ext := range []string{".yaml", ".yml"} {
		path := stem + ext
		if _, err := os.Stat(path); err == nil {
			return LoadMetadata(path)
		}
	}
	return &MetadataFile{}, nil
}
