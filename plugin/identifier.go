package plugin

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zero-day-ai/pluginhost"
)

// Identifier is a versioned interface identifier of the form
// <reverse-domain-namespace>.<ComponentPath>/<major>.<minor>, for example
// "cz.mosra.Corrade.PluginManager.Test.AbstractAnimal/1.0".
//
// The zero value is not a valid identifier. Obtain one with ParseIdentifier.
// Identifiers are compared byte-for-byte; no normalization is ever applied.
type Identifier struct {
	raw       string
	namespace string
	major     int
	minor     int
}

// ParseIdentifier validates s and returns it as an Identifier.
// The returned error wraps pluginhost.ErrMalformedIdentifier.
func ParseIdentifier(s string) (Identifier, error) {
	if s == "" {
		return Identifier{}, malformed(s, "identifier is empty")
	}

	namespace, version, ok := strings.Cut(s, "/")
	if !ok {
		return Identifier{}, malformed(s, "missing '/' version separator")
	}
	if strings.Contains(version, "/") {
		return Identifier{}, malformed(s, "more than one '/' separator")
	}

	segments := strings.Split(namespace, ".")
	if len(segments) < 2 {
		return Identifier{}, malformed(s, "namespace must have at least two dot-separated segments")
	}
	for _, seg := range segments {
		if seg == "" {
			return Identifier{}, malformed(s, "namespace contains an empty segment")
		}
		if !validSegment(seg) {
			return Identifier{}, malformed(s, fmt.Sprintf("invalid namespace segment %q", seg))
		}
	}

	majorStr, minorStr, ok := strings.Cut(version, ".")
	if !ok {
		return Identifier{}, malformed(s, "version must be <major>.<minor>")
	}
	major, err := parseVersionPart(majorStr)
	if err != nil {
		return Identifier{}, malformed(s, "invalid major version")
	}
	minor, err := parseVersionPart(minorStr)
	if err != nil {
		return Identifier{}, malformed(s, "invalid minor version")
	}

	return Identifier{
		raw:       s,
		namespace: namespace,
		major:     major,
		minor:     minor,
	}, nil
}

// MustParseIdentifier is like ParseIdentifier but panics on error.
// It is meant for package-level declarations of well-known identifiers.
func MustParseIdentifier(s string) Identifier {
	id, err := ParseIdentifier(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the identifier exactly as it was parsed.
func (id Identifier) String() string {
	return id.raw
}

// Namespace returns the part before the '/' separator.
func (id Identifier) Namespace() string {
	return id.namespace
}

// Major returns the major version component.
func (id Identifier) Major() int {
	return id.major
}

// Minor returns the minor version component.
func (id Identifier) Minor() int {
	return id.minor
}

// IsZero reports whether id is the zero Identifier.
func (id Identifier) IsZero() bool {
	return id.raw == ""
}

// Matches reports whether declared is exactly this identifier.
// Comparison is case-sensitive; version bumps of any component never match.
func (id Identifier) Matches(declared string) bool {
	return !id.IsZero() && id.raw == declared
}

func validSegment(seg string) bool {
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// parseVersionPart accepts only plain decimal digits; strconv.Atoi alone would
// also accept a leading sign.
func parseVersionPart(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty version component")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-digit in version component")
		}
	}
	return strconv.Atoi(s)
}

func malformed(raw, reason string) error {
	return pluginhost.NewValidationError("ParseIdentifier", pluginhost.ErrMalformedIdentifier).
		WithContext(map[string]any{"identifier": raw, "reason": reason})
}
