package acme

import (
	"crypto"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/lego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/session"
	"github.com/caasmo/acmefleet/zone"
)

const minimalTOML = `
[account]
email = "ops@example.com"

[dns]
provider = "webapi"
zones = ["example.com", "example.org"]
recursive_nameservers = ["1.1.1.1", "[2606:4700:4700::1111]:53"]

[dns.settings]
endpoint = "https://dns.example.com"
token = "t"

[certificate]
name = "web"
domains = ["example.com", "www.example.com"]
`

func TestDecodeConfigAppliesDefaults(t *testing.T) {
	cfg, err := DecodeConfig([]byte(minimalTOML))
	require.NoError(t, err)

	assert.Equal(t, lego.LEDirectoryProduction, cfg.Account.CADirectoryURL)
	assert.Equal(t, 30, cfg.Renewal.ThresholdDays)
	assert.Equal(t, 600, cfg.Renewal.TimeoutSeconds)
	assert.Equal(t, 1, cfg.Renewal.Concurrency)
	assert.Equal(t, "ecdsa", cfg.Key.Algorithm)
	assert.Equal(t, "https://dns.example.com", cfg.DNS.Settings["endpoint"])
	assert.True(t, cfg.ZoneConstrained())
	assert.Equal(t, 10*time.Minute, cfg.Timeout())
}

func TestDecodeConfigEnvOverrides(t *testing.T) {
	t.Setenv("ACMEFLEET_ACCOUNT_EMAIL", "env@example.com")
	t.Setenv("ACMEFLEET_BUNDLE_PASSWORD", "from-env")
	t.Setenv("ACMEFLEET_DNS_ZONES", "example.net")
	t.Setenv("ACMEFLEET_DOMAINS", "a.example.net,b.example.net")

	cfg, err := DecodeConfig([]byte(minimalTOML))
	require.NoError(t, err)
	assert.Equal(t, "env@example.com", cfg.Account.Email)
	assert.Equal(t, "from-env", cfg.Bundle.Password)
	assert.Equal(t, []string{"example.net"}, cfg.DNS.Zones)
	assert.Equal(t, []string{"a.example.net", "b.example.net"}, cfg.Certificate.Domains)
}

func TestDecodeConfigRejectsUnknownField(t *testing.T) {
	_, err := DecodeConfig([]byte(minimalTOML + "\n[renewal]\nthreshold = 10\n"))
	require.Error(t, err)
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestValidateNamesFieldPaths(t *testing.T) {
	cfg := testConfig("example.com")
	cfg.DNS.Zones = []string{"example.com", "Example.com."}
	cfg.DNS.RecursiveNameservers = []string{"resolver.example.com"}
	cfg.Account.EABKeyID = "kid"
	cfg.Renewal.TimeoutSeconds = 0
	cfg.Key.Algorithm = "dsa"
	cfg.Bundle.Enabled = true
	cfg.Bundle.Password = ""

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, field := range []string{
		"dns.zones[1]",
		"dns.recursive_nameservers[0]",
		"account.eab_hmac_key",
		"renewal.timeout_seconds",
		"key.algorithm",
		"bundle.password",
	} {
		assert.Contains(t, msg, field)
	}
	assert.True(t, errors.Is(err, zone.ErrDuplicateZone))
	assert.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestValidateRequiresSomethingToIssue(t *testing.T) {
	cfg := testConfig()
	assert.ErrorContains(t, cfg.Validate(), "certificate.domains")

	cfg.Discovery = DiscoveryConfig{Enabled: true, Endpoint: "https://cp.example.com", Namespaces: []string{"prod"}}
	assert.NoError(t, cfg.Validate())
}

func TestEABHMACKey(t *testing.T) {
	cfg := testConfig("example.com")
	cfg.Account.EABKeyID = "kid"
	cfg.Account.EABHMACKey = "c2VjcmV0LWtleQ"
	require.NoError(t, cfg.Validate())

	key, err := cfg.EABHMACKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-key"), key)

	cfg.Account.EABHMACKey = "c2VjcmV0LWtleQ=="
	key, err = cfg.EABHMACKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("secret-key"), key)

	cfg.Account.EABHMACKey = "not base64!"
	assert.Error(t, cfg.Validate())
}

func TestAccountKeyFromConfig(t *testing.T) {
	key, err := session.GenerateAccountKey()
	require.NoError(t, err)

	cfg := testConfig("example.com")
	cfg.Account.PrivateKey = string(certcrypto.PEMEncode(key))
	require.NoError(t, cfg.Validate())

	parsed, err := cfg.AccountKey()
	require.NoError(t, err)
	assert.True(t, key.Public().(interface{ Equal(crypto.PublicKey) bool }).Equal(parsed.Public()))

	cfg.Account.PrivateKey = "garbage"
	assert.ErrorContains(t, cfg.Validate(), "account.private_key")
}

func TestStaticRequestReadsCSR(t *testing.T) {
	key, err := certcrypto.GeneratePrivateKey(certcrypto.EC256)
	require.NoError(t, err)
	der, err := certcrypto.GenerateCSR(key, "example.com", []string{"example.com"}, false)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "req.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), 0o600))

	cfg := testConfig("example.com")
	cfg.Certificate.CSRFile = path
	static := cfg.StaticRequest()
	require.NoError(t, static.Err)
	assert.Equal(t, der, static.CSR)

	cfg.Certificate.CSRFile = filepath.Join(t.TempDir(), "missing.pem")
	static = cfg.StaticRequest()
	assert.Equal(t, fault.KindConfig, fault.KindOf(static.Err))
	assert.ErrorContains(t, static.Err, "certificate.csr_file")
}

func TestBlueprintRoundTrips(t *testing.T) {
	data, err := Blueprint().EncodeTOML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Renew when fewer days than this remain")

	cfg, err := DecodeConfig(data)
	require.NoError(t, err)
	assert.Equal(t, lego.LEDirectoryStaging, cfg.Account.CADirectoryURL)
	assert.Equal(t, []string{"example.com", "www.example.com"}, cfg.Certificate.Domains)
}
