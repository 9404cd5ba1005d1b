// Package certs creates and loads the server's TLS identity.
//
// On startup the server asks the Manager to ensure a certificate and
// key exist at the configured paths.  Existing files are used as-is
// (no expiry or SAN checks); missing ones are replaced by a fresh
// self-signed pair.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"relayd/config"
	"relayd/internal/errors"
	"relayd/util"
)

// Validity is the lifetime of generated certificates.
const Validity = 365 * 24 * time.Hour

// Organization and country stamped on generated certificates.
const (
	Organization = "relayd"
	Country      = "US"
)

// Record describes a certificate/key pair on disk.
type Record struct {
	Domain   string
	CertPath string
	KeyPath  string
}

// Manager owns certificate generation and loading.
type Manager struct {
	Logger *util.Logger
}

// NewManager returns a Manager that logs through logger.
func NewManager(logger *util.Logger) *Manager {
	return &Manager{Logger: logger}
}

// EnsureCertificate returns the pair at certPath/keyPath, generating a
// self-signed one for domain when either file is missing.
func (m *Manager) EnsureCertificate(domain, certPath, keyPath string) (*Record, error) {
	rec := &Record{Domain: domain, CertPath: certPath, KeyPath: keyPath}

	if fileExists(certPath) && fileExists(keyPath) {
		m.Logger.Verbose().Str("cert_path", certPath).Msg("using existing certificate")
		return rec, nil
	}
	if domain == "" {
		return nil, errors.ErrNoDomain
	}

	m.Logger.Info().
		Str("domain", domain).
		Str("cert_path", certPath).
		Msg("certificate not found, generating self-signed certificate")

	if err := GenerateSelfSigned(domain, certPath, keyPath); err != nil {
		return nil, err
	}

	m.Logger.Info().Str("cert_path", certPath).Str("key_path", keyPath).Msg("generated certificate")
	return rec, nil
}

// Prepare turns a TLS config section into a server tls.Config.  It
// returns nil, nil when TLS is disabled.
func (m *Manager) Prepare(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.AutoGenerate {
		if _, err := m.EnsureCertificate(cfg.Domain, cfg.CertPath, cfg.KeyPath); err != nil {
			return nil, err
		}
	} else if !fileExists(cfg.CertPath) || !fileExists(cfg.KeyPath) {
		return nil, &errors.CertError{
			Op:   "read",
			Path: cfg.CertPath,
			Err:  fmt.Errorf("certificate or key missing and auto_generate is off"),
		}
	}
	return LoadServerTLSConfig(cfg.CertPath, cfg.KeyPath)
}

// GenerateSelfSigned writes a new ECDSA P-256 self-signed certificate
// valid for domain, *.domain and 127.0.0.1.  Parent directories are
// created as needed.
func GenerateSelfSigned(domain, certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return &errors.CertError{Op: "generate", Err: fmt.Errorf("key: %w", err)}
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return &errors.CertError{Op: "generate", Err: fmt.Errorf("serial number: %w", err)}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   domain,
			Organization: []string{Organization},
			Country:      []string{Country},
		},
		DNSNames:              []string{domain, "*." + domain},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return &errors.CertError{Op: "generate", Err: err}
	}

	if err := ensureDirectory(certPath); err != nil {
		return err
	}
	if err := writeCertFile(der, certPath); err != nil {
		return err
	}
	if err := ensureDirectory(keyPath); err != nil {
		return err
	}
	return writeKeyFile(key, keyPath)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
