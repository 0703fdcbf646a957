// Package zombiezen implements the certificate and account stores on sqlite
// through zombiezen.com/go/sqlite.
package zombiezen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/caasmo/acmefleet"
)

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier TEXT NOT NULL,
	domains TEXT NOT NULL,
	certificate_chain TEXT NOT NULL,
	private_key TEXT NOT NULL DEFAULT '',
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_certificates_identifier ON certificates (identifier, expires_at);

CREATE TABLE IF NOT EXISTS acme_accounts (
	directory_url TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	private_key TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
`

const armorHeader = armor.Header

// Db implements acme.Store and acme.AccountKeyStore.
type Db struct {
	pool     *sqlitex.Pool
	identity *age.X25519Identity
}

// Option configures a Db.
type Option func(*Db)

// WithAgeIdentity encrypts private keys at rest to the identity's recipient.
func WithAgeIdentity(id *age.X25519Identity) Option {
	return func(d *Db) { d.identity = id }
}

// NewPool opens (creating if needed) the database at path.
func NewPool(path string) (*sqlitex.Pool, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		Flags:    sqlite.OpenReadWrite | sqlite.OpenCreate | sqlite.OpenWAL,
		PoolSize: 4,
	})
	if err != nil {
		return nil, fmt.Errorf("db: failed to open %s: %w", path, err)
	}
	return pool, nil
}

// New returns a Db on pool. The pool is created and closed by the caller.
func New(pool *sqlitex.Pool, opts ...Option) *Db {
	if pool == nil {
		panic("zombiezen.New: received nil pool")
	}
	d := &Db{pool: pool}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Migrate creates the tables when missing.
func (d *Db) Migrate(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("db: failed to create schema: %w", err)
	}
	return nil
}

// AddCert adds a new certificate record to the 'certificates' table.
func (d *Db) AddCert(ctx context.Context, cert acme.Cert) error {
	key, err := d.seal(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("db: failed to encrypt private key for identifier %q: %w", cert.Identifier, err)
	}

	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO certificates (
			identifier, domains, certificate_chain, private_key, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []any{
				cert.Identifier,
				cert.Domains,
				cert.CertificateChain,
				key,
				acme.TimeFormat(cert.IssuedAt),
				acme.TimeFormat(cert.ExpiresAt),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert certificate for identifier %q: %w", cert.Identifier, err)
	}
	return nil
}

// LatestExpiry returns the latest expires_at recorded for identifier.
func (d *Db) LatestExpiry(ctx context.Context, identifier string) (time.Time, bool, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var raw string
	err = sqlitex.Execute(conn,
		`SELECT expires_at FROM certificates WHERE identifier = ? ORDER BY expires_at DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{identifier},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw = stmt.ColumnText(0)
				return nil
			},
		})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("db: failed to query expiry for identifier %q: %w", identifier, err)
	}
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := acme.ParseTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("db: invalid expires_at %q for identifier %q: %w", raw, identifier, err)
	}
	return t, true, nil
}

// LatestCert returns the newest certificate record for identifier, with the
// private key decrypted.
func (d *Db) LatestCert(ctx context.Context, identifier string) (*acme.Cert, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var (
		cert  *acme.Cert
		parse error
	)
	err = sqlitex.Execute(conn,
		`SELECT id, identifier, domains, certificate_chain, private_key, issued_at, expires_at
		FROM certificates WHERE identifier = ? ORDER BY expires_at DESC LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []any{identifier},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				c := acme.Cert{
					ID:               stmt.ColumnInt64(0),
					Identifier:       stmt.ColumnText(1),
					Domains:          stmt.ColumnText(2),
					CertificateChain: stmt.ColumnText(3),
					PrivateKey:       stmt.ColumnText(4),
				}
				var e1, e2 error
				c.IssuedAt, e1 = acme.ParseTime(stmt.ColumnText(5))
				c.ExpiresAt, e2 = acme.ParseTime(stmt.ColumnText(6))
				parse = errors.Join(e1, e2)
				cert = &c
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to query certificate for identifier %q: %w", identifier, err)
	}
	if cert == nil {
		return nil, nil
	}
	if parse != nil {
		return nil, fmt.Errorf("db: invalid timestamps for identifier %q: %w", identifier, parse)
	}
	if cert.PrivateKey, err = d.open(cert.PrivateKey); err != nil {
		return nil, fmt.Errorf("db: failed to decrypt private key for identifier %q: %w", identifier, err)
	}
	return cert, nil
}

// --- Account keys ---

// AccountKey returns the PEM key stored for directoryURL.
func (d *Db) AccountKey(ctx context.Context, directoryURL string) ([]byte, bool, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var (
		stored string
		found  bool
	)
	err = sqlitex.Execute(conn,
		`SELECT private_key FROM acme_accounts WHERE directory_url = ?;`,
		&sqlitex.ExecOptions{
			Args: []any{directoryURL},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stored = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("db: failed to query account for %s: %w", directoryURL, err)
	}
	if !found {
		return nil, false, nil
	}
	key, err := d.open(stored)
	if err != nil {
		return nil, false, fmt.Errorf("db: failed to decrypt account key for %s: %w", directoryURL, err)
	}
	return []byte(key), true, nil
}

// SaveAccountKey stores keyPEM for directoryURL, replacing any previous key.
func (d *Db) SaveAccountKey(ctx context.Context, directoryURL, email string, keyPEM []byte) error {
	sealed, err := d.seal(string(keyPEM))
	if err != nil {
		return fmt.Errorf("db: failed to encrypt account key: %w", err)
	}

	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO acme_accounts (directory_url, email, private_key) VALUES (?, ?, ?)
		ON CONFLICT(directory_url) DO UPDATE SET email = excluded.email, private_key = excluded.private_key;`,
		&sqlitex.ExecOptions{Args: []any{directoryURL, email, sealed}})
	if err != nil {
		return fmt.Errorf("db: failed to save account for %s: %w", directoryURL, err)
	}
	return nil
}

// --- Encryption at rest ---

func (d *Db) seal(plain string) (string, error) {
	if d.identity == nil || plain == "" {
		return plain, nil
	}
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, d.identity.Recipient())
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, plain); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (d *Db) open(stored string) (string, error) {
	if !strings.HasPrefix(stored, armorHeader) {
		return stored, nil
	}
	if d.identity == nil {
		return "", errors.New("value is age encrypted and no identity is configured")
	}
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(stored)), d.identity)
	if err != nil {
		return "", err
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
