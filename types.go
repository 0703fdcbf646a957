package acme

import (
	"time"
)

// Cert is one issued certificate as recorded in the history store.
type Cert struct {
	ID               int64     // Primary Key (Populated on insert)
	Identifier       string    // Identity key of the request
	Domains          string    // JSON array of all domains covered
	CertificateChain string    // PEM encoded certificate chain
	PrivateKey       string    // PEM encoded private key, empty in CSR mode (Sensitive!)
	IssuedAt         time.Time // UTC
	ExpiresAt        time.Time // UTC
}

// TimeFormat renders t the way the store keeps timestamps.
func TimeFormat(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime is the inverse of TimeFormat.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
