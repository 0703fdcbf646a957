package fault_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/caasmo/acmefleet/fault"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"config", fault.Config("dns.zones[0]", base), fault.KindConfig},
		{"wrapped provider", fmt.Errorf("outer: %w", fault.Provider("_acme-challenge.example.com.", base)), fault.KindProvider},
		{"bare deadline", context.DeadlineExceeded, fault.KindTimeout},
		{"plain", base, fault.KindUnknown},
		{"nil", nil, fault.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, fault.KindOf(tt.err))
		})
	}
}

func TestErrorMessageCarriesSubject(t *testing.T) {
	err := fault.Config("account.email", errors.New("must not be empty"))
	assert.Equal(t, "configuration error: account.email: must not be empty", err.Error())
	assert.Nil(t, fault.Config("x", nil))
}

func TestDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	err := fault.Deadline(ctx, "web/app", errors.New("wait order"), fault.Validation)
	assert.True(t, fault.Is(err, fault.KindTimeout))

	err = fault.Deadline(context.Background(), "web/app", errors.New("rejected"), fault.Validation)
	assert.True(t, fault.Is(err, fault.KindValidation))
}
