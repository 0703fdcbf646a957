package session

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/crypto/acme"
	"golang.org/x/sync/errgroup"

	"github.com/caasmo/acmefleet/challenge"
	"github.com/caasmo/acmefleet/fault"
)

// Request asks for one certificate.
type Request struct {
	// Key is the identity key, used for logging and error subjects.
	Key string
	// Domains are the names to certify; the first is the common name.
	Domains []string
	// CSR, when set, is a DER certificate request built by the caller. The
	// session then never sees a private key.
	CSR []byte
}

// Certificate is the result of a finalized order. The session keeps no copy.
type Certificate struct {
	Key     string
	Domains []string
	Leaf    *x509.Certificate
	// Certificate is the PEM leaf; IssuerCertificate the PEM issuer chain.
	Certificate       []byte
	IssuerCertificate []byte
	// PrivateKey is the PEM private key, nil in CSR mode.
	PrivateKey []byte
	NotBefore  time.Time
	NotAfter   time.Time
	CertURL    string
}

// Chain returns the leaf followed by its issuers, PEM encoded.
func (c *Certificate) Chain() []byte {
	return append(bytes.Clone(c.Certificate), c.IssuerCertificate...)
}

// Issuers parses the issuer chain.
func (c *Certificate) Issuers() ([]*x509.Certificate, error) {
	if len(c.IssuerCertificate) == 0 {
		return nil, nil
	}
	return certcrypto.ParsePEMBundle(c.IssuerCertificate)
}

// Issue runs one order to completion. Every authorization must be satisfied
// before finalization is attempted; one failed proof fails the order.
func (s *Session) Issue(ctx context.Context, req Request) (*Certificate, error) {
	log := s.logger.With("identity_key", req.Key)
	if len(req.Domains) == 0 {
		return nil, fault.Config(req.Key, errors.New("no domains requested"))
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fault.Deadline(ctx, req.Key, fmt.Errorf("waiting for rate limiter: %w", err), fault.Network)
	}

	var csr []byte
	var keyPEM []byte
	if len(req.CSR) > 0 {
		if err := checkCSR(req.CSR, req.Domains); err != nil {
			return nil, fault.Config(req.Key, err)
		}
		csr = req.CSR
	}

	// --- Order ---
	order, err := s.ca.AuthorizeOrder(ctx, acme.DomainIDs(req.Domains...))
	if err != nil {
		log.Error("Failed to create order", "domains", req.Domains, "error", err)
		return nil, classify(ctx, req.Key, fmt.Errorf("failed to create order: %w", err))
	}
	log.Info("Order created", "order_uri", order.URI, "authorizations", len(order.AuthzURLs))

	// --- Authorizations ---
	if err := s.authorize(ctx, req.Key, order.AuthzURLs); err != nil {
		return nil, err
	}

	order, err = s.ca.WaitOrder(ctx, order.URI)
	if err != nil {
		log.Error("Order did not become ready", "error", err)
		return nil, classify(ctx, req.Key, fmt.Errorf("failed waiting for order: %w", err))
	}

	// --- Finalize ---
	if csr == nil {
		privateKey, err := certcrypto.GeneratePrivateKey(s.opts.KeyType)
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate key: %w", err)
		}
		csr, err = certcrypto.GenerateCSR(privateKey, req.Domains[0], req.Domains, false)
		if err != nil {
			return nil, fmt.Errorf("failed to generate csr: %w", err)
		}
		keyPEM = certcrypto.PEMEncode(privateKey)
	}

	der, certURL, err := s.ca.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		log.Error("Failed to finalize order", "error", err)
		return nil, classify(ctx, req.Key, fmt.Errorf("failed to finalize order: %w", err))
	}

	cert, err := buildCertificate(req, der, keyPEM, certURL)
	if err != nil {
		return nil, fault.Validation(req.Key, err)
	}
	log.Info("Certificate issued", "domains", req.Domains, "not_after", cert.NotAfter, "certificate_url", certURL)
	return cert, nil
}

// authorize satisfies every pending authorization, up to AuthzConcurrency at
// a time. The first failure cancels the remaining proofs.
func (s *Session) authorize(ctx context.Context, key string, urls []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.AuthzConcurrency)

	for _, u := range urls {
		g.Go(func() error {
			return s.authorizeOne(gctx, key, u)
		})
	}
	return g.Wait()
}

func (s *Session) authorizeOne(ctx context.Context, key, url string) error {
	authz, err := s.ca.GetAuthorization(ctx, url)
	if err != nil {
		return classify(ctx, key, fmt.Errorf("failed to fetch authorization %s: %w", url, err))
	}

	domain := authz.Identifier.Value
	switch authz.Status {
	case acme.StatusValid:
		s.logger.Debug("Authorization already valid", "identity_key", key, "domain", domain)
		return nil
	case acme.StatusPending:
	default:
		return fault.Validation(key, fmt.Errorf("authorization for %s is %s", domain, authz.Status))
	}

	chal := dns01Challenge(authz.Challenges)
	if chal == nil {
		return fault.Validation(key, fmt.Errorf("%w: %s", ErrNoDNSChallenge, domain))
	}

	value, err := s.ca.DNS01ChallengeRecord(chal.Token)
	if err != nil {
		return fmt.Errorf("failed to compute dns-01 record for %s: %w", domain, err)
	}
	keyAuth, err := s.ca.HTTP01ChallengeResponse(chal.Token)
	if err != nil {
		return fmt.Errorf("failed to compute key authorization for %s: %w", domain, err)
	}

	_, err = s.orch.Run(ctx, challenge.Challenge{
		Domain:  domain,
		Token:   chal.Token,
		KeyAuth: keyAuth,
		Value:   value,
	}, func(vctx context.Context) error {
		if _, err := s.ca.Accept(vctx, chal); err != nil {
			return err
		}
		_, err := s.ca.WaitAuthorization(vctx, url)
		return err
	})
	if err != nil {
		return fmt.Errorf("authorization for %s (%s): %w", domain, key, err)
	}
	return nil
}

func dns01Challenge(chals []*acme.Challenge) *acme.Challenge {
	for _, c := range chals {
		if c.Type == "dns-01" {
			return c
		}
	}
	return nil
}

func checkCSR(der []byte, domains []string) error {
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return fmt.Errorf("invalid csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return fmt.Errorf("invalid csr signature: %w", err)
	}
	names := csr.DNSNames
	if cn := csr.Subject.CommonName; cn != "" {
		names = append(names, cn)
	}
	for _, d := range domains {
		if !slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, d) }) {
			return fmt.Errorf("csr does not cover %s", d)
		}
	}
	return nil
}

func buildCertificate(req Request, der [][]byte, keyPEM []byte, certURL string) (*Certificate, error) {
	if len(der) == 0 {
		return nil, errors.New("CA returned an empty certificate chain")
	}
	leaf, err := x509.ParseCertificate(der[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}

	var issuers []byte
	for _, b := range der[1:] {
		issuers = append(issuers, certcrypto.PEMEncode(certcrypto.DERCertificateBytes(b))...)
	}

	return &Certificate{
		Key:               req.Key,
		Domains:           slices.Clone(req.Domains),
		Leaf:              leaf,
		Certificate:       certcrypto.PEMEncode(certcrypto.DERCertificateBytes(der[0])),
		IssuerCertificate: issuers,
		PrivateKey:        keyPEM,
		NotBefore:         leaf.NotBefore,
		NotAfter:          leaf.NotAfter,
		CertURL:           certURL,
	}, nil
}

// classify maps ACME protocol errors to validation failures, deadline errors
// to timeouts and everything else to network failures. Errors that are
// already classified pass through.
func classify(ctx context.Context, subject string, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	var (
		acmeErr  *acme.Error
		authzErr *acme.AuthorizationError
		orderErr *acme.OrderError
	)
	if errors.As(err, &acmeErr) || errors.As(err, &authzErr) || errors.As(err, &orderErr) {
		return fault.Deadline(ctx, subject, err, fault.Validation)
	}
	return fault.Deadline(ctx, subject, err, fault.Network)
}
