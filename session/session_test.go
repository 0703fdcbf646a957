package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/acme"

	"github.com/caasmo/acmefleet/challenge"
	"github.com/caasmo/acmefleet/dnsprovider"
	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/session/sessiontest"
)

const directory = "https://ca.test/directory"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	ca  *sessiontest.CA
	dns *dnsprovider.Memory
	key *ecdsa.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	dns := dnsprovider.NewMemory()
	ca := sessiontest.New()
	ca.Querier = dns
	return &fixture{ca: ca, dns: dns, key: key}
}

func (f *fixture) options(ca CA) Options {
	return Options{
		DirectoryURL: directory,
		Email:        "ops@example.com",
		AccountKey:   f.key,
		Orchestrator: challenge.New(challenge.Config{Provider: f.dns, Logger: discard}),
		CA:           ca,
		Logger:       discard,
	}
}

func (f *fixture) open(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), f.options(f.ca))
	require.NoError(t, err)
	return s
}

// registerRecorder captures the account sent at registration.
type registerRecorder struct {
	*sessiontest.CA
	sent *acme.Account
}

func (r *registerRecorder) Register(ctx context.Context, acct *acme.Account, prompt func(string) bool) (*acme.Account, error) {
	r.sent = acct
	return r.CA.Register(ctx, acct, prompt)
}

// validAuthz reports every authorization as already valid.
type validAuthz struct {
	*sessiontest.CA
}

func (v validAuthz) GetAuthorization(ctx context.Context, url string) (*acme.Authorization, error) {
	a, err := v.CA.GetAuthorization(ctx, url)
	if err != nil {
		return nil, err
	}
	a.Status = acme.StatusValid
	return a, nil
}

func (v validAuthz) WaitOrder(ctx context.Context, url string) (*acme.Order, error) {
	return &acme.Order{URI: url, Status: acme.StatusReady, FinalizeURL: url + "/finalize"}, nil
}

// --- Account ---

func TestOpenRegistersAccount(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	acct := s.Account()
	assert.Equal(t, "https://ca.test/acct/1", acct.URI)
	assert.Equal(t, directory, acct.DirectoryURL)
	assert.Equal(t, "ops@example.com", acct.Email)
	assert.Equal(t, f.key, acct.Key)
}

func TestOpenReusesExistingAccount(t *testing.T) {
	f := newFixture(t)
	f.open(t)

	s := f.open(t)
	assert.Equal(t, "https://ca.test/acct/1", s.Account().URI)
}

func TestOpenSendsExternalAccountBinding(t *testing.T) {
	f := newFixture(t)
	rec := &registerRecorder{CA: f.ca}
	opts := f.options(rec)
	opts.EABKeyID = "kid-1"
	opts.EABHMACKey = []byte("secret")

	_, err := Open(context.Background(), opts)
	require.NoError(t, err)

	require.NotNil(t, rec.sent.ExternalAccountBinding)
	assert.Equal(t, "kid-1", rec.sent.ExternalAccountBinding.KID)
	assert.Equal(t, []byte("secret"), rec.sent.ExternalAccountBinding.Key)
	assert.Equal(t, []string{"mailto:ops@example.com"}, rec.sent.Contact)
}

func TestOpenRegistrationFailureIsAccountError(t *testing.T) {
	f := newFixture(t)
	f.ca.RegisterErr = errors.New("connection refused")

	_, err := Open(context.Background(), f.options(f.ca))
	require.Error(t, err)
	assert.Equal(t, fault.KindAccount, fault.KindOf(err))
}

func TestOpenRequiresAccountKey(t *testing.T) {
	f := newFixture(t)
	opts := f.options(f.ca)
	opts.AccountKey = nil

	_, err := Open(context.Background(), opts)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
	assert.Zero(t, f.ca.Calls())
}

// --- Issue ---

func TestIssueGeneratesKeyAndCertificate(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	domains := []string{"example.com", "*.example.com", "www.example.com"}
	cert, err := s.Issue(context.Background(), Request{Key: "static:web", Domains: domains})
	require.NoError(t, err)

	assert.Equal(t, "static:web", cert.Key)
	assert.ElementsMatch(t, domains, cert.Leaf.DNSNames)
	assert.Equal(t, "example.com", cert.Leaf.Subject.CommonName)
	assert.True(t, cert.NotAfter.After(cert.NotBefore))
	assert.NotEmpty(t, cert.CertURL)

	key, err := certcrypto.ParsePEMPrivateKey(cert.PrivateKey)
	require.NoError(t, err)
	assert.IsType(t, &ecdsa.PrivateKey{}, key)

	issuers, err := cert.Issuers()
	require.NoError(t, err)
	require.Len(t, issuers, 1)
	assert.Equal(t, f.ca.Issuer().Raw, issuers[0].Raw)

	chain, err := certcrypto.ParsePEMBundle(cert.Chain())
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	assert.ElementsMatch(t, []string{"example.com", "example.com", "www.example.com"}, f.ca.Accepted())
	presents, cleanups := f.dns.Calls()
	assert.Equal(t, 3, presents)
	assert.Equal(t, presents, cleanups)
	assert.Zero(t, f.dns.Len(), "no challenge record is left behind")
}

func TestIssueWithCallerCSR(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "api.example.com"},
		DNSNames: []string{"api.example.com"},
	}, leafKey)
	require.NoError(t, err)

	cert, err := s.Issue(context.Background(), Request{Key: "k", Domains: []string{"api.example.com"}, CSR: csr})
	require.NoError(t, err)
	assert.Nil(t, cert.PrivateKey, "the caller owns the key")
	assert.True(t, leafKey.PublicKey.Equal(cert.Leaf.PublicKey))
}

func TestIssueRejectsCSRNotCoveringDomains(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)
	before := f.ca.Calls()

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		DNSNames: []string{"api.example.com"},
	}, leafKey)
	require.NoError(t, err)

	_, err = s.Issue(context.Background(), Request{Key: "k", Domains: []string{"api.example.com", "www.example.com"}, CSR: csr})
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
	assert.Equal(t, before, f.ca.Calls(), "no order is created")
}

func TestIssueFailedAuthorizationCleansUp(t *testing.T) {
	f := newFixture(t)
	f.ca.Reject = map[string]bool{"bad.example.com": true}
	s := f.open(t)

	_, err := s.Issue(context.Background(), Request{Key: "k", Domains: []string{"example.com", "bad.example.com"}})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
	assert.Contains(t, err.Error(), "bad.example.com")

	presents, cleanups := f.dns.Calls()
	assert.Equal(t, presents, cleanups)
	assert.Zero(t, f.dns.Len())
}

func TestIssueUnpublishedRecordFailsValidation(t *testing.T) {
	f := newFixture(t)
	// The CA looks at a different name server than the one written to.
	f.ca.Querier = dnsprovider.NewMemory()
	s := f.open(t)

	_, err := s.Issue(context.Background(), Request{Key: "k", Domains: []string{"example.com"}})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestIssueSkipsValidAuthorizations(t *testing.T) {
	f := newFixture(t)
	opts := f.options(validAuthz{CA: f.ca})
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)

	_, err = s.Issue(context.Background(), Request{Key: "k", Domains: []string{"example.com"}})
	// The fake order was never made ready, so finalization fails, but no
	// proof is attempted for an already valid authorization.
	require.Error(t, err)
	presents, _ := f.dns.Calls()
	assert.Zero(t, presents)
	assert.Empty(t, f.ca.Accepted())
}

func TestIssueNoDomains(t *testing.T) {
	f := newFixture(t)
	s := f.open(t)

	_, err := s.Issue(context.Background(), Request{Key: "k"})
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestKeyTypeFor(t *testing.T) {
	tests := []struct {
		alg  string
		bits int
		want certcrypto.KeyType
		err  bool
	}{
		{"", 0, certcrypto.EC256, false},
		{"ECDSA", 0, certcrypto.EC256, false},
		{"rsa", 0, certcrypto.RSA2048, false},
		{"rsa", 4096, certcrypto.RSA4096, false},
		{"rsa", 1024, "", true},
		{"ed25519", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.alg, func(t *testing.T) {
			got, err := KeyTypeFor(tt.alg, tt.bits)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDNS01ChallengeSelection(t *testing.T) {
	chals := []*acme.Challenge{{Type: "http-01"}, {Type: "tls-alpn-01"}}
	assert.Nil(t, dns01Challenge(chals))

	chals = append(chals, &acme.Challenge{Type: "dns-01", Token: "t"})
	require.NotNil(t, dns01Challenge(chals))
	assert.Equal(t, "t", dns01Challenge(chals).Token)
}
