// Package fault classifies the failures that can end a certificate run.
//
// Every error that crosses a component boundary is wrapped into an *Error
// carrying a Kind and the subject it pertains to: a config field path, an
// identity key, or a challenge FQDN.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure class.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig: invalid or missing settings, uncovered domains. Raised before any external call.
	KindConfig
	// KindProvider: the DNS backend failed to present or query a record.
	KindProvider
	// KindValidation: the CA rejected a challenge or order.
	KindValidation
	// KindTimeout: propagation, validation or finalize exceeded its bound.
	KindTimeout
	// KindNetwork: the ACME directory or a control plane API is unreachable.
	KindNetwork
	// KindAccount: account registration or lookup was refused.
	KindAccount
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindProvider:
		return "provider"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindAccount:
		return "account"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, subject string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Subject: subject, Err: err}
}

// Config wraps err as a configuration error for the given field path.
func Config(field string, err error) error { return newError(KindConfig, field, err) }

// Configf is Config with a formatted message.
func Configf(field, format string, args ...any) error {
	return newError(KindConfig, field, fmt.Errorf(format, args...))
}

func Provider(subject string, err error) error   { return newError(KindProvider, subject, err) }
func Validation(subject string, err error) error { return newError(KindValidation, subject, err) }
func Timeout(subject string, err error) error    { return newError(KindTimeout, subject, err) }
func Network(subject string, err error) error    { return newError(KindNetwork, subject, err) }
func Account(subject string, err error) error    { return newError(KindAccount, subject, err) }

// KindOf returns the kind of the outermost *Error in err's chain.
// Context deadline errors that were never classified count as timeouts.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Deadline maps a context deadline error to a timeout, otherwise applies wrap.
func Deadline(ctx context.Context, subject string, err error, wrap func(string, error) error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Timeout(subject, err)
	}
	return wrap(subject, err)
}
