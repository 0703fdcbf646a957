package dnsprovider

import (
	"context"
	"slices"
	"sync"

	"github.com/go-acme/lego/v4/challenge/dns01"
)

// NameMemory selects the in-process backend.
const NameMemory = "memory"

// Memory keeps TXT sets in process memory. It is the backend for dry runs and
// for exercising the orchestration without a real DNS API.
type Memory struct {
	mu       sync.Mutex
	records  map[string][]string
	presents int
	cleanups int
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]string)}
}

func (m *Memory) Present(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presents++
	key := dns01.ToFqdn(rec.FQDN)
	if next, changed := mergeValue(m.records[key], rec.Value); changed {
		m.records[key] = next
	}
	return nil
}

func (m *Memory) CleanUp(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	key := dns01.ToFqdn(rec.FQDN)
	next, changed := removeValue(m.records[key], rec.Value)
	if !changed {
		return nil
	}
	if len(next) == 0 {
		delete(m.records, key)
		return nil
	}
	m.records[key] = next
	return nil
}

func (m *Memory) Query(_ context.Context, fqdn string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values, ok := m.records[dns01.ToFqdn(fqdn)]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return slices.Clone(values), nil
}

// Calls returns how many times Present and CleanUp were invoked.
func (m *Memory) Calls() (presents, cleanups int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presents, m.cleanups
}

// Len returns the number of names holding at least one value.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
