package dnsprovider

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChallengeName(t *testing.T) {
	assert.Equal(t, "_acme-challenge.app.example.com.", ChallengeName("App.Example.com"))
	assert.Equal(t, "_acme-challenge.example.com.", ChallengeName("*.example.com"))
	assert.Equal(t, "_acme-challenge.example.com.", ChallengeName("example.com."))
}

func TestMemoryAdditiveMerge(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	fqdn := ChallengeName("example.com")

	require.NoError(t, m.Present(ctx, Record{FQDN: fqdn, Value: "tokenA"}))
	require.NoError(t, m.Present(ctx, Record{FQDN: fqdn, Value: "tokenB"}))
	require.NoError(t, m.Present(ctx, Record{FQDN: fqdn, Value: "tokenA"}))

	values, err := m.Query(ctx, fqdn)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tokenA", "tokenB"}, values)

	require.NoError(t, m.CleanUp(ctx, Record{FQDN: fqdn, Value: "tokenA"}))
	values, err = m.Query(ctx, fqdn)
	require.NoError(t, err)
	assert.Equal(t, []string{"tokenB"}, values)

	require.NoError(t, m.CleanUp(ctx, Record{FQDN: fqdn, Value: "tokenB"}))
	require.NoError(t, m.CleanUp(ctx, Record{FQDN: fqdn, Value: "tokenB"}), "cleanup of absent record is a no-op")

	_, err = m.Query(ctx, fqdn)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.Equal(t, 0, m.Len())
}

type fakeLegoProvider struct {
	mu       sync.Mutex
	presents []string
	cleanups []string
	err      error
	delay    time.Duration
}

func (f *fakeLegoProvider) Present(domain, token, keyAuth string) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.presents = append(f.presents, domain+"/"+token)
	return nil
}

func (f *fakeLegoProvider) CleanUp(domain, token, keyAuth string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups = append(f.cleanups, domain+"/"+token)
	return nil
}

func TestLegoAdapterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fake := &fakeLegoProvider{}
	p := WrapLego("fake", fake)
	rec := Record{Domain: "example.com", FQDN: ChallengeName("example.com"), Value: "v1", Token: "t1", KeyAuth: "t1.thumb"}

	require.NoError(t, p.Present(ctx, rec))
	require.NoError(t, p.Present(ctx, rec))
	assert.Equal(t, []string{"example.com/t1"}, fake.presents)

	require.NoError(t, p.CleanUp(ctx, rec))
	require.NoError(t, p.CleanUp(ctx, rec))
	assert.Equal(t, []string{"example.com/t1"}, fake.cleanups)
}

func TestLegoAdapterConcurrentPresentCallsBackendOnce(t *testing.T) {
	fake := &fakeLegoProvider{delay: 20 * time.Millisecond}
	p := WrapLego("fake", fake)
	rec := Record{Domain: "example.com", FQDN: ChallengeName("example.com"), Value: "v1", Token: "t1", KeyAuth: "t1.thumb"}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, p.Present(context.Background(), rec))
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"example.com/t1"}, fake.presents)

	require.NoError(t, p.CleanUp(context.Background(), rec))
	assert.Equal(t, []string{"example.com/t1"}, fake.cleanups)
}

func TestLegoAdapterPresentError(t *testing.T) {
	fake := &fakeLegoProvider{err: errors.New("api down")}
	p := WrapLego("fake", fake)
	rec := Record{Domain: "example.com", FQDN: ChallengeName("example.com"), Value: "v1", Token: "t1"}

	err := p.Present(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api down")

	// Never presented, so cleanup does not reach the backend.
	require.NoError(t, p.CleanUp(context.Background(), rec))
	assert.Empty(t, fake.cleanups)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{NameCloudflare, NameMemory, NameWebAPI}, r.Names())

	p, err := r.New("MEMORY", nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, p)

	_, err = r.New("", nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = r.New("definitely-not-a-provider", nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	r.Register("custom", func(Settings) (Provider, error) { return NewMemory(), nil })
	_, err = r.New("custom", nil)
	require.NoError(t, err)
}

func TestSettings(t *testing.T) {
	s := Settings{"zones": " example.com, ,sub.example.com ", "token": "", "TOKEN": "abc"}
	assert.Equal(t, []string{"example.com", "sub.example.com"}, s.List("zones"))
	assert.Equal(t, "abc", s.Get("token", "TOKEN"))
	assert.Nil(t, s.List("missing"))
}

func TestNormalizeNameserver(t *testing.T) {
	addr, err := NormalizeNameserver("9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9:53", addr)

	addr, err = NormalizeNameserver("[2620:fe::fe]:5353")
	require.NoError(t, err)
	assert.Equal(t, "[2620:fe::fe]:5353", addr)

	_, err = NormalizeNameserver("dns.example.com")
	assert.Error(t, err)
}

func TestDNSQuerier(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("_acme-challenge.example.com.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer,
			&dns.TXT{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60}, Txt: []string{"tokenA"}},
			&dns.TXT{Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60}, Txt: []string{"token", "B"}},
		)
		_ = w.WriteMsg(m)
	})
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		_ = w.WriteMsg(m)
	})

	server := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = server.ActivateAndServe() }()
	defer func() { _ = server.Shutdown() }()

	q, err := NewDNSQuerier([]string{pc.LocalAddr().String()}, 2*time.Second)
	require.NoError(t, err)

	values, err := q.Query(context.Background(), "_acme-challenge.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"tokenA", "tokenB"}, values)

	_, err = q.Query(context.Background(), "_acme-challenge.missing.com.")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
