package certs

import (
	"crypto/tls"
	"crypto/x509"

	"relayd/internal/errors"
)

// LoadServerTLSConfig builds a server config from a PEM certificate
// chain and a PEM PKCS#8 private key.  Client certificates are not
// requested.  When the key file holds several keys the first wins.
func LoadServerTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	chain, err := readBlocks(certPath, pemCertificate)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, &errors.CertError{Op: "parse", Path: certPath, Err: errors.ErrNoCertificate}
	}
	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, &errors.CertError{Op: "parse", Path: certPath, Err: err}
	}

	keys, err := readBlocks(keyPath, pemPrivateKey)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, &errors.CertError{Op: "parse", Path: keyPath, Err: errors.ErrNoPrivateKey}
	}
	key, err := x509.ParsePKCS8PrivateKey(keys[0])
	if err != nil {
		return nil, &errors.CertError{Op: "parse", Path: keyPath, Err: err}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: chain,
			PrivateKey:  key,
			Leaf:        leaf,
		}},
		ClientAuth: tls.NoClientCert,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// LoadCertPool returns a pool trusting the certificates in certPath.
// Agents use it to pin a self-signed server certificate.
func LoadCertPool(certPath string) (*x509.CertPool, error) {
	chain, err := readBlocks(certPath, pemCertificate)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, &errors.CertError{Op: "parse", Path: certPath, Err: errors.ErrNoCertificate}
	}
	pool := x509.NewCertPool()
	for _, der := range chain {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, &errors.CertError{Op: "parse", Path: certPath, Err: err}
		}
		pool.AddCert(c)
	}
	return pool, nil
}
