package acme

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/caasmo/acmefleet/challenge"
	"github.com/caasmo/acmefleet/dnsprovider"
	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/output"
	"github.com/caasmo/acmefleet/renewal"
	"github.com/caasmo/acmefleet/request"
	"github.com/caasmo/acmefleet/session"
)

// ErrNoCertificate is returned when the CA finalized an order without a
// usable certificate.
var ErrNoCertificate = errors.New("acme: no certificate issued")

// RequestError is the failure of one certificate request. Siblings are not
// affected by it.
type RequestError struct {
	Key string
	Err error
}

func (e *RequestError) Error() string { return fmt.Sprintf("request %s: %v", e.Key, e.Err) }

func (e *RequestError) Unwrap() error { return e.Err }

// Discoverer lists certificate targets from an external source.
type Discoverer interface {
	Targets(ctx context.Context) ([]request.Target, error)
}

// Outcome is the result for one identity key.
type Outcome struct {
	Key      string
	Domains  []string
	Reason   string
	NotAfter time.Time
	// Delivered names the sinks that received the certificate.
	Delivered []string
	Err       error
}

// Report summarizes a run.
type Report struct {
	RunID   string
	Issued  []Outcome
	Skipped []Outcome
	Failed  []Outcome
}

// Err joins the errors of all failed requests.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, o := range r.Failed {
		errs = append(errs, &RequestError{Key: o.Key, Err: o.Err})
	}
	return errors.Join(errs...)
}

// --- Runner ---

// Runner executes one batch: discover, build the request set, decide, issue
// what is due and deliver it.
type Runner struct {
	cfg        *Config
	provider   dnsprovider.Provider
	querier    dnsprovider.Querier
	store      Store
	accounts   AccountKeyStore
	discoverer Discoverer
	sinks      []output.Sink
	ca         session.CA
	httpClient *http.Client
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore sets the certificate state store. Without one every request is
// treated as never issued.
func WithStore(s Store) RunnerOption { return func(r *Runner) { r.store = s } }

// WithAccountKeyStore persists generated account keys per CA directory.
func WithAccountKeyStore(s AccountKeyStore) RunnerOption {
	return func(r *Runner) { r.accounts = s }
}

// WithDiscoverer adds discovered targets to the static certificate.
func WithDiscoverer(d Discoverer) RunnerOption { return func(r *Runner) { r.discoverer = d } }

// WithSinks sets the outputs certificates are delivered to.
func WithSinks(sinks ...output.Sink) RunnerOption {
	return func(r *Runner) { r.sinks = append(r.sinks, sinks...) }
}

// WithQuerier enables waiting for propagation before validation.
func WithQuerier(q dnsprovider.Querier) RunnerOption { return func(r *Runner) { r.querier = q } }

// WithCA replaces the ACME client.
func WithCA(ca session.CA) RunnerOption { return func(r *Runner) { r.ca = ca } }

// WithHTTPClient sets the client used to talk to the CA.
func WithHTTPClient(c *http.Client) RunnerOption { return func(r *Runner) { r.httpClient = c } }

// WithMetrics records every run.
func WithMetrics(m *Metrics) RunnerOption { return func(r *Runner) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption { return func(r *Runner) { r.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RunnerOption { return func(r *Runner) { r.now = now } }

// NewRunner panics on a nil config or provider.
func NewRunner(cfg *Config, provider dnsprovider.Provider, opts ...RunnerOption) *Runner {
	if cfg == nil || provider == nil {
		panic("acme.NewRunner: received nil config or provider")
	}
	r := &Runner{cfg: cfg, provider: provider, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// due is a request the decision engine selected.
type due struct {
	req    request.CertificateRequest
	reason string
}

// Run executes one batch. The returned error is non-nil when a shared step
// failed (discovery, account registration) or any request failed; the
// report is always returned.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{RunID: uuid.NewString()}
	log := r.logger.With("run_id", report.RunID)
	log.Info("Starting certificate run")

	err := r.run(ctx, log, report)

	end := r.now()
	sortOutcomes(report)
	if r.metrics != nil {
		r.metrics.Observe(report, end.Sub(start), end)
		if path := r.cfg.Metrics.TextfilePath; path != "" {
			if werr := r.metrics.WriteTextfile(path); werr != nil {
				log.Warn("Failed to write metrics textfile", "path", path, "error", werr)
			}
		}
	}

	log.Info("Certificate run finished",
		"issued", len(report.Issued),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
		"took", end.Sub(start).Round(time.Millisecond))

	return report, errors.Join(err, report.Err())
}

func (r *Runner) run(ctx context.Context, log *slog.Logger, report *Report) error {
	// --- Discovery ---
	var targets []request.Target
	if r.discoverer != nil {
		var err error
		targets, err = r.discoverer.Targets(ctx)
		if err != nil {
			log.Error("Failed to discover targets", "error", err)
			return fmt.Errorf("failed to discover targets: %w", err)
		}
	}

	// --- Request set ---
	set, rejected := request.Build(r.cfg.StaticRequest(), targets, request.Options{
		Zones:       r.cfg.DNS.Zones,
		Constrained: r.cfg.ZoneConstrained(),
	})
	for _, rej := range rejected {
		log.Error("Certificate request rejected", "identity_key", rej.Key, "error", rej.Err)
		report.Failed = append(report.Failed, Outcome{Key: rej.Key, Reason: "rejected", Err: rej.Err})
	}

	// --- Decision ---
	var pending []due
	for _, req := range set.All() {
		d, notAfter, err := r.decide(ctx, req)
		rlog := log.With("identity_key", req.Key)
		if err != nil {
			rlog.Error("Failed to read certificate state", "error", err)
			report.Failed = append(report.Failed, Outcome{Key: req.Key, Domains: req.Domains, Reason: "state", Err: err})
			continue
		}
		if !d.Issue {
			rlog.Info("Certificate still valid, skipping",
				"not_after", notAfter, "expires", humanize.Time(notAfter))
			report.Skipped = append(report.Skipped, Outcome{Key: req.Key, Domains: req.Domains, Reason: string(d.Reason), NotAfter: notAfter})
			continue
		}
		if d.Reason == renewal.ReasonExpiring {
			rlog.Info("Certificate due for renewal", "not_after", notAfter, "expires", humanize.Time(notAfter))
		} else {
			rlog.Info("Certificate has never been issued")
		}
		pending = append(pending, due{req: req, reason: string(d.Reason)})
	}
	if len(pending) == 0 {
		return nil
	}

	// --- Session ---
	sess, err := r.openSession(ctx, log)
	if err != nil {
		for _, p := range pending {
			report.Failed = append(report.Failed, Outcome{Key: p.req.Key, Domains: p.req.Domains, Reason: p.reason, Err: err})
		}
		return err
	}

	// --- Issue ---
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Renewal.Concurrency, 1))
	for _, p := range pending {
		g.Go(func() error {
			out := r.process(gctx, sess, p, log.With("identity_key", p.req.Key))
			mu.Lock()
			defer mu.Unlock()
			if out.Err != nil {
				report.Failed = append(report.Failed, out)
			} else {
				report.Issued = append(report.Issued, out)
			}
			// One request never cancels its siblings.
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (r *Runner) decide(ctx context.Context, req request.CertificateRequest) (renewal.Decision, time.Time, error) {
	var existing *time.Time
	var notAfter time.Time
	if r.store != nil {
		t, ok, err := r.store.LatestExpiry(ctx, req.Key)
		if err != nil {
			return renewal.Decision{}, time.Time{}, err
		}
		if ok {
			notAfter = t
			existing = &notAfter
		}
	}
	return renewal.Decide(existing, r.cfg.Renewal.ThresholdDays, r.now()), notAfter, nil
}

// process issues, delivers and records one certificate.
func (r *Runner) process(ctx context.Context, sess *session.Session, p due, log *slog.Logger) Outcome {
	out := Outcome{Key: p.req.Key, Domains: p.req.Domains, Reason: p.reason}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout())
	defer cancel()

	cert, err := sess.Issue(ctx, session.Request{Key: p.req.Key, Domains: p.req.Domains, CSR: p.req.CSR})
	if err != nil {
		log.Error("Failed to issue certificate", "kind", fault.KindOf(err).String(), "error", err)
		out.Err = err
		return out
	}
	if cert == nil || cert.Leaf == nil {
		out.Err = ErrNoCertificate
		return out
	}
	out.NotAfter = cert.NotAfter

	delivered, err := output.Deliver(ctx, r.sinks, p.req, cert)
	out.Delivered = delivered
	if err != nil {
		log.Error("Failed to deliver certificate", "delivered", delivered, "error", err)
		out.Err = err
		return out
	}

	if r.store != nil {
		if err := r.store.AddCert(ctx, certRecord(p.req, cert)); err != nil {
			log.Error("Failed to record certificate", "error", err)
			out.Err = fmt.Errorf("failed to record certificate: %w", err)
			return out
		}
	}

	log.Info("Certificate issued and delivered",
		"domains", strings.Join(p.req.Domains, ","),
		"not_after", cert.NotAfter,
		"expires", humanize.Time(cert.NotAfter),
		"delivered", delivered)
	return out
}

func certRecord(req request.CertificateRequest, cert *session.Certificate) Cert {
	domains, _ := json.Marshal(req.Domains)
	return Cert{
		Identifier:       req.Key,
		Domains:          string(domains),
		CertificateChain: string(cert.Chain()),
		PrivateKey:       string(cert.PrivateKey),
		IssuedAt:         cert.NotBefore,
		ExpiresAt:        cert.NotAfter,
	}
}

// --- Session setup ---

func (r *Runner) openSession(ctx context.Context, log *slog.Logger) (*session.Session, error) {
	key, err := r.accountKey(ctx, log)
	if err != nil {
		return nil, err
	}
	hmacKey, err := r.cfg.EABHMACKey()
	if err != nil {
		return nil, fault.Config("account.eab_hmac_key", err)
	}
	keyType, err := session.KeyTypeFor(r.cfg.Key.Algorithm, r.cfg.Key.RSABits)
	if err != nil {
		return nil, fault.Config("key.algorithm", err)
	}

	orch := challenge.New(challenge.Config{
		Provider:      r.provider,
		Zones:         r.cfg.DNS.Zones,
		PrecheckDelay: r.cfg.PrecheckDelay(),
		Querier:       r.querier,
		Logger:        log,
	})

	sess, err := session.Open(ctx, session.Options{
		DirectoryURL:      r.cfg.Account.CADirectoryURL,
		Email:             r.cfg.Account.Email,
		AccountKey:        key,
		EABKeyID:          r.cfg.Account.EABKeyID,
		EABHMACKey:        hmacKey,
		KeyType:           keyType,
		AuthzConcurrency:  r.cfg.Renewal.AuthzConcurrency,
		RequestsPerSecond: r.cfg.Renewal.CARequestsPerSecond,
		Orchestrator:      orch,
		CA:                r.ca,
		HTTPClient:        r.httpClient,
		Logger:            log,
	})
	if err != nil {
		log.Error("Failed to open ACME session", "error", err)
		return nil, err
	}
	return sess, nil
}

// accountKey prefers the configured key, then the key stored for the same
// directory URL, and finally generates and stores a new one.
func (r *Runner) accountKey(ctx context.Context, log *slog.Logger) (crypto.Signer, error) {
	dir := r.cfg.Account.CADirectoryURL
	if r.cfg.Account.PrivateKey != "" {
		key, err := r.cfg.AccountKey()
		if err != nil {
			return nil, fault.Config("account.private_key", err)
		}
		return key, nil
	}

	if r.accounts != nil {
		pemData, ok, err := r.accounts.AccountKey(ctx, dir)
		if err != nil {
			return nil, fault.Account(dir, fmt.Errorf("failed to load account key: %w", err))
		}
		if ok {
			key, err := parseSigner(pemData)
			if err != nil {
				return nil, fault.Account(dir, err)
			}
			log.Debug("Using stored account key", "directory_url", dir)
			return key, nil
		}
	}

	key, err := session.GenerateAccountKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	log.Info("Generated new account key", "directory_url", dir)
	if r.accounts != nil {
		if err := r.accounts.SaveAccountKey(ctx, dir, r.cfg.Account.Email, certcrypto.PEMEncode(key)); err != nil {
			return nil, fault.Account(dir, fmt.Errorf("failed to save account key: %w", err))
		}
	}
	return key, nil
}

func sortOutcomes(r *Report) {
	byKey := func(a, b Outcome) int { return strings.Compare(a.Key, b.Key) }
	slices.SortFunc(r.Issued, byKey)
	slices.SortFunc(r.Skipped, byKey)
	slices.SortFunc(r.Failed, byKey)
}
