// Package zone matches challenge names against the statically configured DNS zones.
package zone

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no candidate zone owns the name.
	ErrNotFound = errors.New("zone: no matching zone")

	// ErrDuplicateZone is returned by Validate when the same zone is listed twice.
	ErrDuplicateZone = errors.New("zone: duplicate zone")
)

// Normalize lower-cases name and strips surrounding space and any trailing dot.
func Normalize(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}

// Matches reports whether name equals zone or is a subdomain of it.
// Both arguments must already be normalized.
func Matches(name, zone string) bool {
	if zone == "" {
		return false
	}
	return name == zone || strings.HasSuffix(name, "."+zone)
}

// Resolve returns the most specific zone owning fqdn: among all candidates that
// fqdn equals or is a subdomain of, the longest one wins. The returned zone is
// normalized. Validate rejects duplicate entries, so ties cannot happen on a
// validated zone set; on an unvalidated set the first longest entry wins.
func Resolve(fqdn string, zones []string) (string, error) {
	name := Normalize(fqdn)

	best := ""
	for _, candidate := range zones {
		z := Normalize(candidate)
		if !Matches(name, z) {
			continue
		}
		if len(z) > len(best) {
			best = z
		}
	}

	if best == "" {
		return "", fmt.Errorf("%w for %q", ErrNotFound, name)
	}
	return best, nil
}

// Covers reports whether domain lies inside at least one of zones. A leading
// wildcard label is ignored: "*.example.com" is covered by "example.com".
func Covers(domain string, zones []string) bool {
	name := strings.TrimPrefix(Normalize(domain), "*.")
	_, err := Resolve(name, zones)
	return err == nil
}

// Validate rejects empty and duplicate zone entries. Duplicates are compared
// after normalization, so "example.com" and "Example.com." collide.
func Validate(zones []string) error {
	seen := make(map[string]int, len(zones))
	for i, candidate := range zones {
		z := Normalize(candidate)
		if z == "" {
			return fmt.Errorf("zone: entry %d is empty", i)
		}
		if first, ok := seen[z]; ok {
			return fmt.Errorf("%w %q at entries %d and %d", ErrDuplicateZone, z, first, i)
		}
		seen[z] = i
	}
	return nil
}
