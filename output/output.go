// Package output delivers issued certificates: a password protected PKCS#12
// file, a push to the traffic-management control plane, or the restinpieces
// secure configuration store.
package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caasmo/acmefleet/request"
	"github.com/caasmo/acmefleet/session"
)

// ErrNoPrivateKey is returned by sinks that need the key when the certificate
// was issued from an external CSR.
var ErrNoPrivateKey = errors.New("output: certificate has no private key")

// Sink receives finished certificates.
type Sink interface {
	Name() string
	// Accepts reports whether the sink handles req.
	Accepts(req request.CertificateRequest) bool
	Deliver(ctx context.Context, req request.CertificateRequest, cert *session.Certificate) error
}

// Deliver hands cert to every sink that accepts req and stops at the first
// failure.
func Deliver(ctx context.Context, sinks []Sink, req request.CertificateRequest, cert *session.Certificate) (delivered []string, err error) {
	for _, s := range sinks {
		if !s.Accepts(req) {
			continue
		}
		if err := s.Deliver(ctx, req, cert); err != nil {
			return delivered, fmt.Errorf("failed to deliver to %s: %w", s.Name(), err)
		}
		delivered = append(delivered, s.Name())
	}
	return delivered, nil
}

// FileName turns an identity key into a safe file name.
func FileName(key, ext string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")
	return r.Replace(key) + ext
}

// writeFileAtomic writes data with owner-only permissions through a
// temporary file and a rename.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
