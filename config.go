package acme

import (
	"bytes"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/lego"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/caasmo/acmefleet/dnsprovider"
	"github.com/caasmo/acmefleet/fault"
	"github.com/caasmo/acmefleet/output"
	"github.com/caasmo/acmefleet/renewal"
	"github.com/caasmo/acmefleet/request"
	"github.com/caasmo/acmefleet/session"
	"github.com/caasmo/acmefleet/zone"
)

const (
	ConfigScope            = "acme_config"
	CertificateOutputScope = output.CertificateOutputScope
	JobTypeCertRenewal     = "certificate_renewal"
)

// Config is the complete configuration of a renewal run.
type Config struct {
	Account     AccountConfig     `toml:"account"`
	DNS         DNSConfig         `toml:"dns"`
	Renewal     RenewalConfig     `toml:"renewal"`
	Key         KeyConfig         `toml:"key"`
	Certificate CertificateConfig `toml:"certificate"`
	Bundle      BundleConfig      `toml:"bundle"`
	Push        PushConfig        `toml:"push"`
	Discovery   DiscoveryConfig   `toml:"discovery"`
	Store       StoreConfig       `toml:"store"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Log         LogConfig         `toml:"log"`
}

type AccountConfig struct {
	Email          string `toml:"email" comment:"ACME account email" env:"ACMEFLEET_ACCOUNT_EMAIL"`
	CADirectoryURL string `toml:"ca_directory_url" comment:"ACME directory URL" env:"ACMEFLEET_CA_DIRECTORY_URL"`
	PrivateKey     string `toml:"private_key" comment:"ACME account private key PEM (set via env). Empty: stored or generated per directory" env:"ACMEFLEET_ACCOUNT_PRIVATE_KEY"`
	EABKeyID       string `toml:"eab_key_id" comment:"External account binding key id" env:"ACMEFLEET_EAB_KEY_ID"`
	EABHMACKey     string `toml:"eab_hmac_key" comment:"External account binding HMAC key, base64url (set via env)" env:"ACMEFLEET_EAB_HMAC_KEY"`
}

type DNSConfig struct {
	Provider             string            `toml:"provider" comment:"DNS backend: cloudflare, webapi, memory or any lego provider name" env:"ACMEFLEET_DNS_PROVIDER"`
	Settings             map[string]string `toml:"settings" comment:"Backend settings (api_token, endpoint, token, ...)"`
	Zones                []string          `toml:"zones" comment:"Zones every domain must belong to. Empty disables the zone constraint" env:"ACMEFLEET_DNS_ZONES"`
	RecursiveNameservers []string          `toml:"recursive_nameservers" comment:"Nameservers (ip[:port]) used for propagation checks"`
	PrecheckDelaySeconds int               `toml:"precheck_delay_seconds" comment:"Seconds to wait after presenting before asking the CA to validate"`
	PropagationCheck     bool              `toml:"propagation_check" comment:"Poll the recursive nameservers until the TXT value is visible"`
}

type RenewalConfig struct {
	ThresholdDays       int     `toml:"threshold_days" comment:"Renew when fewer days than this remain"`
	TimeoutSeconds      int     `toml:"timeout_seconds" comment:"Upper bound for one certificate, from order to delivery"`
	Concurrency         int     `toml:"concurrency" comment:"Certificates processed in parallel"`
	AuthzConcurrency    int     `toml:"authz_concurrency" comment:"Proofs in parallel within one order"`
	CARequestsPerSecond float64 `toml:"ca_requests_per_second" comment:"New orders per second. 0 is unlimited"`
}

type KeyConfig struct {
	Algorithm string `toml:"algorithm" comment:"Certificate key algorithm: ecdsa or rsa"`
	RSABits   int    `toml:"rsa_bits" comment:"RSA key size: 2048, 3072, 4096 or 8192"`
}

type CertificateConfig struct {
	Name    string   `toml:"name" comment:"Identity of the standalone certificate"`
	Domains []string `toml:"domains" comment:"Domains of the standalone certificate, first is the common name" env:"ACMEFLEET_DOMAINS"`
	CSRFile string   `toml:"csr_file" comment:"PEM certificate request to use instead of generating a key"`
}

type BundleConfig struct {
	Enabled  bool   `toml:"enabled" comment:"Write a PKCS#12 bundle for the standalone certificate"`
	Dir      string `toml:"dir" comment:"Bundle directory"`
	Password string `toml:"password" comment:"PKCS#12 export password (set via env)" env:"ACMEFLEET_BUNDLE_PASSWORD"`
}

type PushConfig struct {
	Enabled  bool   `toml:"enabled" comment:"Push discovered certificates to the control plane"`
	Endpoint string `toml:"endpoint" comment:"Control plane base URL" env:"ACMEFLEET_PUSH_ENDPOINT"`
	Token    string `toml:"token" comment:"Control plane API token (set via env)" env:"ACMEFLEET_PUSH_TOKEN"`
}

type DiscoveryConfig struct {
	Enabled              bool     `toml:"enabled" comment:"Discover load-balancer endpoints"`
	Endpoint             string   `toml:"endpoint" comment:"Control plane base URL" env:"ACMEFLEET_DISCOVERY_ENDPOINT"`
	Token                string   `toml:"token" comment:"Control plane API token (set via env)" env:"ACMEFLEET_DISCOVERY_TOKEN"`
	Namespaces           []string `toml:"namespaces" comment:"Namespaces to list"`
	RequiredCapabilities []string `toml:"required_capabilities" comment:"Capabilities an endpoint must have"`
}

type StoreConfig struct {
	Path            string `toml:"path" comment:"SQLite database holding certificate history and account keys" env:"ACMEFLEET_STORE_PATH"`
	AgeIdentityFile string `toml:"age_identity_file" comment:"age identity used to encrypt private keys at rest" env:"ACMEFLEET_AGE_IDENTITY_FILE"`
}

type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path" comment:"Prometheus textfile written after each run"`
}

type LogConfig struct {
	Level string `toml:"level" comment:"debug, info, warn or error" env:"LOG_LEVEL"`
}

// DefaultConfig returns the configuration every file is decoded on top of.
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{CADirectoryURL: lego.LEDirectoryProduction},
		DNS:     DNSConfig{Provider: dnsprovider.NameCloudflare},
		Renewal: RenewalConfig{
			ThresholdDays:    renewal.DefaultThresholdDays,
			TimeoutSeconds:   600,
			Concurrency:      1,
			AuthzConcurrency: 1,
		},
		Key:         KeyConfig{Algorithm: "ecdsa", RSABits: 2048},
		Certificate: CertificateConfig{Name: "default"},
		Bundle:      BundleConfig{Dir: "."},
		Store:       StoreConfig{Path: "acmefleet.db"},
		Log:         LogConfig{Level: "info"},
	}
}

// LoadConfig reads path, applies .env and environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return DecodeConfig(data)
}

// DecodeConfig parses TOML data over the defaults, applies environment
// overrides and validates.
func DecodeConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fault.Config("config", fmt.Errorf("line %d column %d: %w", row, col, err))
		}
		return nil, fault.Config("config", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fault.Config("env", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and returns all problems at once, each
// naming its field path.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		errs = append(errs, fault.Configf(field, format, args...))
	}

	// --- account ---
	if c.Account.CADirectoryURL == "" {
		bad("account.ca_directory_url", "cannot be empty")
	}
	if c.Account.PrivateKey != "" {
		if _, err := c.AccountKey(); err != nil {
			bad("account.private_key", "%v", err)
		}
	}
	if (c.Account.EABKeyID == "") != (c.Account.EABHMACKey == "") {
		bad("account.eab_hmac_key", "eab_key_id and eab_hmac_key must be set together")
	} else if c.Account.EABHMACKey != "" {
		if _, err := c.EABHMACKey(); err != nil {
			bad("account.eab_hmac_key", "%v", err)
		}
	}

	// --- dns ---
	if c.DNS.Provider == "" {
		bad("dns.provider", "cannot be empty")
	}
	seen := make(map[string]int)
	for i, z := range c.DNS.Zones {
		n := zone.Normalize(z)
		if n == "" {
			bad(fmt.Sprintf("dns.zones[%d]", i), "cannot be empty")
			continue
		}
		if j, dup := seen[n]; dup {
			bad(fmt.Sprintf("dns.zones[%d]", i), "%w: %q already listed at dns.zones[%d]", zone.ErrDuplicateZone, z, j)
			continue
		}
		seen[n] = i
	}
	for i, ns := range c.DNS.RecursiveNameservers {
		if _, err := dnsprovider.NormalizeNameserver(ns); err != nil {
			bad(fmt.Sprintf("dns.recursive_nameservers[%d]", i), "%v", err)
		}
	}
	if c.DNS.PrecheckDelaySeconds < 0 {
		bad("dns.precheck_delay_seconds", "cannot be negative")
	}

	// --- renewal ---
	if c.Renewal.ThresholdDays < 0 {
		bad("renewal.threshold_days", "cannot be negative")
	}
	if c.Renewal.TimeoutSeconds <= 0 {
		bad("renewal.timeout_seconds", "must be positive")
	}
	if c.Renewal.Concurrency < 1 {
		bad("renewal.concurrency", "must be at least 1")
	}
	if c.Renewal.AuthzConcurrency < 1 {
		bad("renewal.authz_concurrency", "must be at least 1")
	}
	if c.Renewal.CARequestsPerSecond < 0 {
		bad("renewal.ca_requests_per_second", "cannot be negative")
	}

	// --- key ---
	if _, err := session.KeyTypeFor(c.Key.Algorithm, c.Key.RSABits); err != nil {
		bad("key.algorithm", "%v", err)
	}

	// --- certificate ---
	for i, d := range c.Certificate.Domains {
		if _, err := request.NormalizeDomain(d); err != nil {
			bad(fmt.Sprintf("certificate.domains[%d]", i), "%v", err)
		}
	}
	if len(c.Certificate.Domains) > 0 && c.Certificate.Name == "" {
		bad("certificate.name", "cannot be empty")
	}
	if c.Certificate.CSRFile != "" && len(c.Certificate.Domains) == 0 {
		bad("certificate.domains", "required when csr_file is set")
	}
	if len(c.Certificate.Domains) == 0 && !c.Discovery.Enabled {
		bad("certificate.domains", "no certificate configured and discovery disabled")
	}

	// --- outputs ---
	if c.Bundle.Enabled {
		if c.Bundle.Dir == "" {
			bad("bundle.dir", "cannot be empty when enabled")
		}
		if c.Bundle.Password == "" {
			bad("bundle.password", "cannot be empty when enabled")
		}
	}
	if c.Push.Enabled && c.Push.Endpoint == "" {
		bad("push.endpoint", "cannot be empty when enabled")
	}
	if c.Discovery.Enabled {
		if c.Discovery.Endpoint == "" {
			bad("discovery.endpoint", "cannot be empty when enabled")
		}
		if len(c.Discovery.Namespaces) == 0 {
			bad("discovery.namespaces", "cannot be empty when enabled")
		}
	}

	return errors.Join(errs...)
}

// AccountKey parses account.private_key.
func (c *Config) AccountKey() (crypto.Signer, error) {
	return parseSigner([]byte(c.Account.PrivateKey))
}

func parseSigner(pemData []byte) (crypto.Signer, error) {
	key, err := certcrypto.ParsePEMPrivateKey(pemData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

// EABHMACKey decodes the base64url HMAC key, with or without padding.
func (c *Config) EABHMACKey() ([]byte, error) {
	s := strings.TrimSpace(c.Account.EABHMACKey)
	if s == "" {
		return nil, nil
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid base64url hmac key: %w", err)
	}
	return key, nil
}

// Timeout is the bound for one certificate.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Renewal.TimeoutSeconds) * time.Second
}

// PrecheckDelay is the wait between presenting and validation.
func (c *Config) PrecheckDelay() time.Duration {
	return time.Duration(c.DNS.PrecheckDelaySeconds) * time.Second
}

// ZoneConstrained reports whether domains must be covered by dns.zones.
func (c *Config) ZoneConstrained() bool { return len(c.DNS.Zones) > 0 }

// StaticRequest returns the standalone certificate, nil when none is
// configured. A CSR that cannot be read or parsed is carried in Err so only
// this request is rejected.
func (c *Config) StaticRequest() *request.Static {
	if len(c.Certificate.Domains) == 0 {
		return nil
	}
	static := &request.Static{Name: c.Certificate.Name, Domains: c.Certificate.Domains}
	if c.Certificate.CSRFile != "" {
		data, err := os.ReadFile(c.Certificate.CSRFile)
		if err != nil {
			static.Err = fault.Config("certificate.csr_file", fmt.Errorf("failed to read csr: %w", err))
			return static
		}
		csr, err := certcrypto.PemDecodeTox509CSR(data)
		if err != nil {
			static.Err = fault.Config("certificate.csr_file", fmt.Errorf("failed to parse csr: %w", err))
			return static
		}
		static.CSR = csr.Raw
	}
	return static
}

// Blueprint returns a configuration filled with example values.
func Blueprint() *Config {
	cfg := DefaultConfig()
	cfg.Account.Email = "your-acme-account@example.com"
	cfg.Account.CADirectoryURL = lego.LEDirectoryStaging
	cfg.DNS.Settings = map[string]string{"api_token": "YOUR_CLOUDFLARE_API_TOKEN_ENV_VAR_OR_SECRET"}
	cfg.DNS.Zones = []string{"example.com"}
	cfg.DNS.RecursiveNameservers = []string{"1.1.1.1:53", "8.8.8.8"}
	cfg.DNS.PrecheckDelaySeconds = 0
	cfg.DNS.PropagationCheck = true
	cfg.Certificate.Domains = []string{"example.com", "www.example.com"}
	cfg.Bundle = BundleConfig{Enabled: true, Dir: "certs", Password: "CHANGE_ME"}
	cfg.Push = PushConfig{Endpoint: "https://control-plane.example.com"}
	cfg.Discovery = DiscoveryConfig{
		Endpoint:             "https://control-plane.example.com",
		Namespaces:           []string{"default"},
		RequiredCapabilities: []string{"tls"},
	}
	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/textfile/acmefleet.prom"
	return cfg
}

// EncodeTOML renders the configuration with field comments.
func (c *Config) EncodeTOML() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to TOML: %w", err)
	}
	return data, nil
}
