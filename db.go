package acme

import (
	"context"
	"time"
)

// Writer stores certificate history records.
type Writer interface {
	// AddCert adds a new certificate record to the database history.
	AddCert(ctx context.Context, cert Cert) error
}

// ExpiryReader looks up the expiry of the newest certificate for an identity
// key. ok is false when none was ever issued.
type ExpiryReader interface {
	LatestExpiry(ctx context.Context, identifier string) (notAfter time.Time, ok bool, err error)
}

// Store is the certificate state the runner reads before deciding and writes
// after issuing.
type Store interface {
	Writer
	ExpiryReader
}

// AccountKeyStore keeps one PEM account key per CA directory URL.
type AccountKeyStore interface {
	AccountKey(ctx context.Context, directoryURL string) (keyPEM []byte, ok bool, err error)
	SaveAccountKey(ctx context.Context, directoryURL, email string, keyPEM []byte) error
}
