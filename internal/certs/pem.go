package certs

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"relayd/internal/errors"
)

const (
	pemCertificate = "CERTIFICATE"
	pemPrivateKey  = "PRIVATE KEY" // PKCS#8
)

func ensureDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &errors.CertError{Op: "write", Path: dir, Err: err}
	}
	return nil
}

func writeCertFile(der []byte, path string) error {
	data := pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: der})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &errors.CertError{Op: "write", Path: path, Err: err}
	}
	return nil
}

func writeKeyFile(key crypto.PrivateKey, path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return &errors.CertError{Op: "generate", Err: err}
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &errors.CertError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// readBlocks returns every PEM block of the given type in path.
func readBlocks(path, blockType string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.CertError{Op: "read", Path: path, Err: err}
	}
	var out [][]byte
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type == blockType {
			out = append(out, block.Bytes)
		}
	}
	return out, nil
}
