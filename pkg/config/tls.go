package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// SSLMode mirrors libpq's client-side sslmode values, since pgreplay is
// always the client side of the connection to the target database.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// ClientTLSConfig configures how pgreplay authenticates the target server,
// and optionally itself, when dialing out. Unlike a proxy's listener-side
// TLS config, there is no certificate generation here: pgreplay never
// terminates TLS for anyone, it only originates it.
type ClientTLSConfig struct {
	// SSLMode controls the libpq-style handshake policy. Default: "prefer".
	SSLMode SSLMode `json:"sslmode,omitzero"`

	// RootCertPath is a PEM file of CA certificates to verify the target's
	// certificate against. Required for verify-ca and verify-full.
	RootCertPath string `json:"root_cert_path,omitzero"`

	// ClientCertPath and ClientKeyPath configure a client certificate for
	// mutual TLS, if the target requires one.
	ClientCertPath string `json:"client_cert_path,omitzero"`
	ClientKeyPath  string `json:"client_key_path,omitzero"`
}

// Validate checks that the TLS configuration is internally consistent.
func (c *ClientTLSConfig) Validate() error {
	mode := c.SSLMode
	if mode == "" {
		mode = SSLModePrefer
	}

	switch mode {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
	default:
		return fmt.Errorf("invalid sslmode %q", c.SSLMode)
	}

	if (mode == SSLModeVerifyCA || mode == SSLModeVerifyFull) && c.RootCertPath == "" {
		return fmt.Errorf("sslmode %q requires root_cert_path", mode)
	}

	hasClientCert := c.ClientCertPath != ""
	hasClientKey := c.ClientKeyPath != ""
	if hasClientCert != hasClientKey {
		return errors.New("client_cert_path and client_key_path must both be set or both be empty")
	}

	return nil
}

// Enabled reports whether this mode ever attempts a TLS handshake.
func (c *ClientTLSConfig) Enabled() bool {
	return c.SSLMode != SSLModeDisable
}

// NewTLSConfig builds the *tls.Config pgx should use for this target, or
// nil if TLS is disabled. pgx itself handles the sslmode negotiation
// (allow/prefer fallback to plaintext); this only prepares the
// certificate material for the modes that need it.
func (c *ClientTLSConfig) NewTLSConfig() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.SSLMode == SSLModeRequire || c.SSLMode == SSLModeAllow || c.SSLMode == SSLModePrefer,
	}

	if c.RootCertPath != "" {
		pem, err := os.ReadFile(c.RootCertPath)
		if err != nil {
			return nil, fmt.Errorf("read root_cert_path: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("root_cert_path %q contains no usable certificates", c.RootCertPath)
		}
		cfg.RootCAs = pool
		cfg.InsecureSkipVerify = false
	}

	if c.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
