// Package renewal decides whether a certificate is due.
package renewal

import (
	"fmt"
	"time"
)

// DefaultThresholdDays is the renewal window used when none is configured.
const DefaultThresholdDays = 30

const day = 24 * time.Hour

// Reason explains a Decision.
type Reason string

const (
	ReasonMissing  Reason = "no_certificate"
	ReasonExpiring Reason = "within_threshold"
	ReasonValid    Reason = "valid"
)

// Decision is the outcome of Decide.
type Decision struct {
	Issue  bool
	Reason Reason
	// Remaining is the validity left on the existing certificate, zero when
	// there is none. It is negative for an expired certificate.
	Remaining time.Duration
}

func (d Decision) String() string {
	if d.Reason == ReasonMissing {
		return string(d.Reason)
	}
	return fmt.Sprintf("%s (%s remaining)", d.Reason, d.Remaining.Round(time.Second))
}

// ShouldIssue reports whether a certificate expiring at notAfter must be
// (re)issued at now. A nil notAfter means no certificate exists.
func ShouldIssue(notAfter *time.Time, thresholdDays int, now time.Time) bool {
	return Decide(notAfter, thresholdDays, now).Issue
}

// Decide is ShouldIssue with the reasoning attached. Issuance happens when
// the remaining validity is strictly less than the threshold.
func Decide(notAfter *time.Time, thresholdDays int, now time.Time) Decision {
	if notAfter == nil {
		return Decision{Issue: true, Reason: ReasonMissing}
	}
	if thresholdDays < 0 {
		thresholdDays = 0
	}

	remaining := notAfter.Sub(now)
	if remaining < time.Duration(thresholdDays)*day {
		return Decision{Issue: true, Reason: ReasonExpiring, Remaining: remaining}
	}
	return Decision{Issue: false, Reason: ReasonValid, Remaining: remaining}
}
