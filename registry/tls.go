package registry

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// clientConfig builds the mutual-TLS configuration for the etcd connection.
// It returns nil when t is nil or disabled. An enabled config needs a client
// certificate, its key and the CA bundle that signed the etcd server.
func (t *TLSConfig) clientConfig() (*tls.Config, error) {
	if t == nil || !t.Enabled {
		return nil, nil
	}

	var missing []error
	for field, path := range map[string]string{"cert_file": t.CertFile, "key_file": t.KeyFile, "ca_file": t.CAFile} {
		if path == "" {
			missing = append(missing, fmt.Errorf("tls.%s is required when TLS is enabled", field))
		}
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	pem, err := os.ReadFile(t.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", t.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
