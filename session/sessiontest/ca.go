// Package sessiontest provides an in-memory ACME CA for exercising the
// session without network access. It validates dns-01 challenges by reading
// the published TXT values through a Querier and signs real certificates.
package sessiontest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme"

	"github.com/caasmo/acmefleet/dnsprovider"
)

const baseURL = "https://ca.test"

// CA implements session.CA.
type CA struct {
	// Querier is used to look up the challenge record when a challenge is
	// accepted. Nil accepts every challenge.
	Querier dnsprovider.Querier
	// Lifetime of issued certificates. Defaults to 90 days.
	Lifetime time.Duration
	// Reject lists identifiers whose challenges are always invalid.
	Reject map[string]bool
	// RegisterErr makes Register fail.
	RegisterErr error

	mu         sync.Mutex
	calls      int
	registered bool
	seq        int
	issuerKey  *ecdsa.PrivateKey
	issuer     *x509.Certificate
	orders     map[string]*acme.Order
	authzs     map[string]*acme.Authorization
	accepted   []string
}

// New returns a CA with a fresh self-signed issuer.
func New() *CA {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "sessiontest issuer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	issuer, err := x509.ParseCertificate(der)
	if err != nil {
		panic(err)
	}
	return &CA{
		issuerKey: key,
		issuer:    issuer,
		orders:    make(map[string]*acme.Order),
		authzs:    make(map[string]*acme.Authorization),
	}
}

// Calls returns the number of CA operations performed so far.
func (c *CA) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Accepted returns the identifiers whose challenges were accepted, in order.
func (c *CA) Accepted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.accepted)
}

// Issuer returns the CA certificate.
func (c *CA) Issuer() *x509.Certificate { return c.issuer }

func (c *CA) nextURL(kind string) string {
	c.seq++
	return fmt.Sprintf("%s/%s/%d", baseURL, kind, c.seq)
}

func (c *CA) Register(_ context.Context, acct *acme.Account, prompt func(string) bool) (*acme.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.RegisterErr != nil {
		return nil, c.RegisterErr
	}
	if prompt != nil && !prompt(baseURL+"/tos") {
		return nil, errors.New("terms of service not accepted")
	}
	if c.registered {
		return nil, acme.ErrAccountAlreadyExists
	}
	c.registered = true
	return &acme.Account{URI: baseURL + "/acct/1", Contact: acct.Contact, Status: acme.StatusValid}, nil
}

func (c *CA) GetReg(context.Context, string) (*acme.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if !c.registered {
		return nil, acme.ErrNoAccount
	}
	return &acme.Account{URI: baseURL + "/acct/1", Status: acme.StatusValid}, nil
}

func (c *CA) AuthorizeOrder(_ context.Context, ids []acme.AuthzID, _ ...acme.OrderOption) (*acme.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(ids) == 0 {
		return nil, &acme.Error{StatusCode: 400, ProblemType: "urn:ietf:params:acme:error:malformed", Detail: "no identifiers"}
	}

	order := &acme.Order{
		URI:         c.nextURL("order"),
		Status:      acme.StatusPending,
		Identifiers: slices.Clone(ids),
	}
	order.FinalizeURL = order.URI + "/finalize"
	for _, id := range ids {
		value, wildcard := strings.CutPrefix(id.Value, "*.")
		authz := &acme.Authorization{
			URI:        c.nextURL("authz"),
			Status:     acme.StatusPending,
			Identifier: acme.AuthzID{Type: "dns", Value: value},
			Wildcard:   wildcard,
		}
		authz.Challenges = []*acme.Challenge{
			{Type: "http-01", URI: authz.URI + "/http", Token: fmt.Sprintf("http-token-%d", c.seq), Status: acme.StatusPending},
			{Type: "dns-01", URI: authz.URI + "/dns", Token: fmt.Sprintf("dns-token-%d", c.seq), Status: acme.StatusPending},
		}
		c.authzs[authz.URI] = authz
		order.AuthzURLs = append(order.AuthzURLs, authz.URI)
	}
	c.orders[order.URI] = order
	return copyOrder(order), nil
}

func (c *CA) GetAuthorization(_ context.Context, url string) (*acme.Authorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	authz, ok := c.authzs[url]
	if !ok {
		return nil, &acme.Error{StatusCode: 404, Detail: "no such authorization"}
	}
	cp := *authz
	return &cp, nil
}

func (c *CA) Accept(ctx context.Context, chal *acme.Challenge) (*acme.Challenge, error) {
	c.mu.Lock()
	c.calls++
	var authz *acme.Authorization
	for _, a := range c.authzs {
		for _, ch := range a.Challenges {
			if ch.URI == chal.URI {
				authz = a
			}
		}
	}
	c.mu.Unlock()
	if authz == nil {
		return nil, &acme.Error{StatusCode: 404, Detail: "no such challenge"}
	}

	valid := !c.Reject[authz.Identifier.Value]
	if valid && c.Querier != nil {
		want, _ := c.DNS01ChallengeRecord(chal.Token)
		values, err := c.Querier.Query(ctx, dnsprovider.ChallengeName(authz.Identifier.Value))
		valid = err == nil && slices.Contains(values, want)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = append(c.accepted, authz.Identifier.Value)
	if valid {
		authz.Status = acme.StatusValid
	} else {
		authz.Status = acme.StatusInvalid
	}
	cp := *chal
	cp.Status = acme.StatusProcessing
	return &cp, nil
}

func (c *CA) WaitAuthorization(_ context.Context, url string) (*acme.Authorization, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	authz, ok := c.authzs[url]
	if !ok {
		return nil, &acme.Error{StatusCode: 404, Detail: "no such authorization"}
	}
	switch authz.Status {
	case acme.StatusValid:
		cp := *authz
		return &cp, nil
	case acme.StatusInvalid:
		return nil, &acme.AuthorizationError{URI: url, Identifier: authz.Identifier.Value}
	default:
		return nil, fmt.Errorf("authorization %s is still %s", url, authz.Status)
	}
}

func (c *CA) WaitOrder(_ context.Context, url string) (*acme.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	order, ok := c.orders[url]
	if !ok {
		return nil, &acme.Error{StatusCode: 404, Detail: "no such order"}
	}
	for _, u := range order.AuthzURLs {
		if c.authzs[u].Status != acme.StatusValid {
			order.Status = acme.StatusInvalid
			return nil, &acme.OrderError{OrderURL: url, Status: order.Status}
		}
	}
	order.Status = acme.StatusReady
	return copyOrder(order), nil
}

func (c *CA) CreateOrderCert(_ context.Context, url string, csrDER []byte, bundle bool) ([][]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++

	var order *acme.Order
	for _, o := range c.orders {
		if o.FinalizeURL == url {
			order = o
		}
	}
	if order == nil || order.Status != acme.StatusReady {
		return nil, "", &acme.Error{StatusCode: 403, ProblemType: "urn:ietf:params:acme:error:orderNotReady"}
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, "", &acme.Error{StatusCode: 400, ProblemType: "urn:ietf:params:acme:error:badCSR", Detail: err.Error()}
	}
	for _, id := range order.Identifiers {
		if !slices.Contains(csr.DNSNames, id.Value) {
			return nil, "", &acme.Error{StatusCode: 400, ProblemType: "urn:ietf:params:acme:error:badCSR", Detail: "missing " + id.Value}
		}
	}

	lifetime := c.Lifetime
	if lifetime <= 0 {
		lifetime = 90 * 24 * time.Hour
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(c.seq + 100)),
		Subject:      pkix.Name{CommonName: csr.DNSNames[0]},
		DNSNames:     csr.DNSNames,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(lifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leaf, err := x509.CreateCertificate(rand.Reader, tmpl, c.issuer, csr.PublicKey, c.issuerKey)
	if err != nil {
		return nil, "", err
	}

	order.Status = acme.StatusValid
	order.CertURL = order.URI + "/cert"
	chain := [][]byte{leaf}
	if bundle {
		chain = append(chain, c.issuer.Raw)
	}
	return chain, order.CertURL, nil
}

func (c *CA) HTTP01ChallengeResponse(token string) (string, error) {
	return token + ".sessiontest-thumbprint", nil
}

func (c *CA) DNS01ChallengeRecord(token string) (string, error) {
	ka, _ := c.HTTP01ChallengeResponse(token)
	sum := sha256.Sum256([]byte(ka))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func copyOrder(o *acme.Order) *acme.Order {
	cp := *o
	cp.AuthzURLs = slices.Clone(o.AuthzURLs)
	cp.Identifiers = slices.Clone(o.Identifiers)
	return &cp
}
