// Package challenge drives a single DNS-01 proof from record creation to
// record removal.
//
// A proof walks Pending -> Presented -> AwaitingPropagation -> Validating and
// ends in Satisfied or Failed. Once a record has been presented it is removed
// exactly once, before the terminal state is reported, whatever the outcome.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caasmo/acmefleet/dnsprovider"
	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/zone"
)

// State is the position of a proof in its lifecycle.
type State int

const (
	Pending State = iota
	Presented
	AwaitingPropagation
	Validating
	Satisfied
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Presented:
		return "presented"
	case AwaitingPropagation:
		return "awaiting_propagation"
	case Validating:
		return "validating"
	case Satisfied:
		return "satisfied"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Satisfied or Failed.
func (s State) Terminal() bool { return s == Satisfied || s == Failed }

const defaultCleanupTimeout = 2 * time.Minute

// Challenge is the input of one proof.
type Challenge struct {
	// Domain is the authorization identifier, without wildcard label.
	Domain  string
	Token   string
	KeyAuth string
	// Value is the TXT payload.
	Value string
}

// Validator asks the CA to verify the published record and blocks until the
// CA reports a result or ctx ends.
type Validator func(ctx context.Context) error

// Config configures an Orchestrator.
type Config struct {
	Provider dnsprovider.Provider
	// Zones restricts challenge names to the configured zones. Empty means the
	// backend locates the zone itself.
	Zones []string
	// PrecheckDelay is waited after presenting, before validation is requested.
	PrecheckDelay time.Duration
	// Querier, when set, is polled until the value is visible before
	// validation is requested.
	Querier dnsprovider.Querier
	// CleanupTimeout bounds the removal call, which runs detached from the
	// caller's cancellation.
	CleanupTimeout time.Duration
	// OnTransition is called on every state change.
	OnTransition func(c Challenge, from, to State)
	Logger       *slog.Logger
}

// Orchestrator runs proofs. It holds no per-proof state and is safe for
// concurrent use.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New returns an Orchestrator. It panics on a nil provider.
func New(cfg Config) *Orchestrator {
	if cfg.Provider == nil {
		panic("challenge.New: received nil provider")
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	cfg.Zones = slices.Clone(cfg.Zones)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: logger.With("component", "challenge")}
}

// run holds the state of one proof.
type run struct {
	o     *Orchestrator
	c     Challenge
	state State
	log   *slog.Logger
}

func (r *run) to(next State) {
	prev := r.state
	r.state = next
	r.log.Debug("challenge state changed", "from", prev.String(), "to", next.String())
	if r.o.cfg.OnTransition != nil {
		r.o.cfg.OnTransition(r.c, prev, next)
	}
}

// Run performs one proof and returns its terminal state. The error is nil
// exactly when the state is Satisfied.
func (o *Orchestrator) Run(ctx context.Context, c Challenge, validate Validator) (State, error) {
	fqdn := dnsprovider.ChallengeName(c.Domain)
	r := &run{o: o, c: c, state: Pending, log: o.logger.With("fqdn", fqdn)}

	// --- Pending -> Presented ---
	var owner string
	if len(o.cfg.Zones) > 0 {
		z, err := zone.Resolve(fqdn, o.cfg.Zones)
		if err != nil {
			r.to(Failed)
			return Failed, fault.Config(fqdn, err)
		}
		owner = z
	}

	rec := dnsprovider.Record{
		Domain:  c.Domain,
		FQDN:    fqdn,
		Zone:    owner,
		Value:   c.Value,
		Token:   c.Token,
		KeyAuth: c.KeyAuth,
	}

	if err := o.cfg.Provider.Present(ctx, rec); err != nil {
		r.log.Error("Failed to present challenge record", "zone", owner, "error", err)
		r.to(Failed)
		return Failed, fault.Deadline(ctx, fqdn, err, fault.Provider)
	}
	r.to(Presented)

	// The record is removed before the terminal state is reported.
	err := o.prove(ctx, r, fqdn, validate)
	o.cleanup(ctx, r, rec)
	if err != nil {
		r.to(Failed)
		return Failed, err
	}
	r.to(Satisfied)
	return Satisfied, nil
}

// prove drives a presented record up to the CA's verdict. It leaves the
// terminal transition to the caller.
func (o *Orchestrator) prove(ctx context.Context, r *run, fqdn string, validate Validator) error {
	// --- Presented -> AwaitingPropagation ---
	if err := sleep(ctx, o.cfg.PrecheckDelay); err != nil {
		return fault.Deadline(ctx, fqdn, fmt.Errorf("waiting precheck delay: %w", err), fault.Validation)
	}
	r.to(AwaitingPropagation)

	if o.cfg.Querier != nil {
		if err := o.awaitPropagation(ctx, fqdn, r.c.Value); err != nil {
			r.log.Error("Challenge record did not propagate", "error", err)
			return fault.Deadline(ctx, fqdn, err, fault.Provider)
		}
	}

	// --- AwaitingPropagation -> Validating ---
	r.to(Validating)
	if err := validate(ctx); err != nil {
		r.log.Error("Challenge validation failed", "error", err)
		return fault.Deadline(ctx, fqdn, err, fault.Validation)
	}
	return nil
}

// cleanup removes the record. Failures are logged, never returned.
func (o *Orchestrator) cleanup(ctx context.Context, r *run, rec dnsprovider.Record) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
	defer cancel()

	if err := o.cfg.Provider.CleanUp(cctx, rec); err != nil {
		r.log.Warn("Failed to clean up challenge record, leaving it behind", "state", r.state.String(), "error", err)
		return
	}
	r.log.Debug("Challenge record cleaned up", "state", r.state.String())
}

func (o *Orchestrator) awaitPropagation(ctx context.Context, fqdn, value string) error {
	op := func() error {
		values, err := o.cfg.Querier.Query(ctx, fqdn)
		if err != nil && !errors.Is(err, dnsprovider.ErrRecordNotFound) {
			return err
		}
		if slices.Contains(values, value) {
			return nil
		}
		return fmt.Errorf("value not yet visible at %s", fqdn)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0 // bounded by ctx
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
