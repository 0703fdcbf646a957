// Package session owns the ACME account and turns a list of domain names into
// an issued certificate: order creation, one DNS-01 proof per authorization,
// finalization.
package session

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/crypto/acme"
	"golang.org/x/time/rate"

	"github.com/caasmo/acmefleet/challenge"
	"github.com/caasmo/acmefleet/fault"
)

const userAgent = "acmefleet/1.0"

// ErrNoDNSChallenge is returned when an authorization offers no dns-01 challenge.
var ErrNoDNSChallenge = errors.New("session: authorization has no dns-01 challenge")

// CA is the subset of *acme.Client the session drives.
type CA interface {
	Register(ctx context.Context, acct *acme.Account, prompt func(tosURL string) bool) (*acme.Account, error)
	GetReg(ctx context.Context, url string) (*acme.Account, error)
	AuthorizeOrder(ctx context.Context, id []acme.AuthzID, opt ...acme.OrderOption) (*acme.Order, error)
	GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error)
	WaitAuthorization(ctx context.Context, url string) (*acme.Authorization, error)
	WaitOrder(ctx context.Context, url string) (*acme.Order, error)
	CreateOrderCert(ctx context.Context, url string, csr []byte, bundle bool) (der [][]byte, certURL string, err error)
	DNS01ChallengeRecord(token string) (string, error)
	HTTP01ChallengeResponse(token string) (string, error)
}

// Account is the registered ACME identity. One Account exists per CA
// directory URL; it is shared read-only by every issuance of a run.
type Account struct {
	URI          string
	Email        string
	DirectoryURL string
	Key          crypto.Signer
}

// Options configures a Session.
type Options struct {
	DirectoryURL string
	Email        string
	AccountKey   crypto.Signer
	// EABKeyID and EABHMACKey bind the account to an existing CA account.
	EABKeyID   string
	EABHMACKey []byte
	// KeyType is the certificate key algorithm in direct mode.
	KeyType certcrypto.KeyType
	// AuthzConcurrency bounds concurrent proofs within one order. Zero means
	// one proof at a time.
	AuthzConcurrency int
	// RequestsPerSecond paces order creation. Zero disables pacing.
	RequestsPerSecond float64

	Orchestrator *challenge.Orchestrator
	// CA overrides the ACME client, mainly for tests.
	CA         CA
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Session is an open, registered ACME account.
type Session struct {
	ca      CA
	opts    Options
	account Account
	limiter *rate.Limiter
	orch    *challenge.Orchestrator
	logger  *slog.Logger
}

// GenerateAccountKey returns a fresh P-256 account key.
func GenerateAccountKey() (crypto.Signer, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// KeyTypeFor maps a configured algorithm to a lego key type.
func KeyTypeFor(algorithm string, rsaBits int) (certcrypto.KeyType, error) {
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", "ecdsa", "ec", "p256":
		return certcrypto.EC256, nil
	case "rsa":
		switch rsaBits {
		case 0, 2048:
			return certcrypto.RSA2048, nil
		case 3072:
			return certcrypto.RSA3072, nil
		case 4096:
			return certcrypto.RSA4096, nil
		case 8192:
			return certcrypto.RSA8192, nil
		default:
			return "", fmt.Errorf("unsupported rsa key size %d", rsaBits)
		}
	default:
		return "", fmt.Errorf("unsupported key algorithm %q", algorithm)
	}
}

// Open registers the account with the CA, or looks it up when the key is
// already registered. Any failure here is fatal for the whole run.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.AccountKey == nil {
		return nil, fault.Config("account.private_key", errors.New("account key is required"))
	}
	if opts.DirectoryURL == "" {
		return nil, fault.Config("account.ca_directory_url", errors.New("directory url is required"))
	}
	if opts.Orchestrator == nil {
		panic("session.Open: received nil orchestrator")
	}
	if opts.KeyType == "" {
		opts.KeyType = certcrypto.EC256
	}
	if opts.AuthzConcurrency <= 0 {
		opts.AuthzConcurrency = 1
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "directory_url", opts.DirectoryURL)

	ca := opts.CA
	if ca == nil {
		ca = &acme.Client{
			Key:          opts.AccountKey,
			DirectoryURL: opts.DirectoryURL,
			HTTPClient:   opts.HTTPClient,
			UserAgent:    userAgent,
		}
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	s := &Session{
		ca:      ca,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		orch:    opts.Orchestrator,
		logger:  logger,
	}

	acct, err := s.register(ctx)
	if err != nil {
		return nil, err
	}
	s.account = Account{
		URI:          acct.URI,
		Email:        opts.Email,
		DirectoryURL: opts.DirectoryURL,
		Key:          opts.AccountKey,
	}
	return s, nil
}

func (s *Session) register(ctx context.Context) (*acme.Account, error) {
	acct := &acme.Account{}
	if s.opts.Email != "" {
		acct.Contact = []string{"mailto:" + s.opts.Email}
	}
	if s.opts.EABKeyID != "" {
		acct.ExternalAccountBinding = &acme.ExternalAccountBinding{
			KID: s.opts.EABKeyID,
			Key: s.opts.EABHMACKey,
		}
	}

	registered, err := s.ca.Register(ctx, acct, acme.AcceptTOS)
	if errors.Is(err, acme.ErrAccountAlreadyExists) {
		registered, err = s.ca.GetReg(ctx, "")
		if err == nil {
			s.logger.Info("ACME account retrieved", "email", s.opts.Email, "account_uri", registered.URI)
		}
	} else if err == nil {
		s.logger.Info("ACME account registered", "email", s.opts.Email, "account_uri", registered.URI)
	}

	if err != nil {
		s.logger.Error("ACME account registration failed", "email", s.opts.Email, "error", err)
		return nil, fault.Deadline(ctx, s.opts.DirectoryURL, fmt.Errorf("failed to register account: %w", err), fault.Account)
	}
	return registered, nil
}

// Account returns the registered identity.
func (s *Session) Account() Account { return s.account }
