package config

import (
	"os"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Protocol.Version != 2 {
		t.Errorf("Protocol.Version = %d, want 2", cfg.Protocol.Version)
	}
	if cfg.Protocol.ALPN != "mtproto-core/1" {
		t.Errorf("Protocol.ALPN = %s, want mtproto-core/1", cfg.Protocol.ALPN)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %s, want text", cfg.Logging.Format)
	}
	if len(cfg.Servers) != 0 {
		t.Errorf("len(Servers) = %d, want 0", len(cfg.Servers))
	}
}

func validConfigYAML() string {
	return `
auth:
  api_id: 12345
  api_hash: "deadbeefcafebabe0011223344556677"
servers:
  - address: "149.154.167.50:443"
    transport: "tcp"
    framing: "intermediate"
`
}

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validConfigYAML()))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Auth.APIID != 12345 {
		t.Errorf("Auth.APIID = %d, want 12345", cfg.Auth.APIID)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Address != "149.154.167.50:443" {
		t.Errorf("Servers = %+v", cfg.Servers)
	}
}

func TestParse_MissingAuth(t *testing.T) {
	yaml := `
servers:
  - address: "149.154.167.50:443"
    transport: "tcp"
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("Parse() expected an error for missing auth")
	}
	if !strings.Contains(err.Error(), "api_id") {
		t.Errorf("Parse() error = %v, want mention of api_id", err)
	}
}

func TestParse_NoServers(t *testing.T) {
	yaml := `
auth:
  api_id: 1
  api_hash: "x"
servers: []
`
	_, err := Parse([]byte(yaml))
	if err == nil {
		t.Fatal("Parse() expected an error for empty servers")
	}
}

func TestValidate_InvalidTransport(t *testing.T) {
	cfg := Default()
	cfg.Auth = AuthConfig{APIID: 1, APIHash: "x"}
	cfg.Servers = []ServerConfig{{Address: "host:443", Transport: "carrier-pigeon"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected an error for an invalid transport")
	}
}

func TestValidate_InvalidFraming(t *testing.T) {
	cfg := Default()
	cfg.Auth = AuthConfig{APIID: 1, APIHash: "x"}
	cfg.Servers = []ServerConfig{{Address: "host:443", Transport: "tcp", Framing: "not-a-framing"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected an error for an invalid framing")
	}
}

func TestValidate_H2RequiresPath(t *testing.T) {
	cfg := Default()
	cfg.Auth = AuthConfig{APIID: 1, APIHash: "x"}
	cfg.Servers = []ServerConfig{{Address: "host:443", Transport: "h2"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected an error when h2 transport has no path")
	}
}

func TestValidate_ProtocolVersion(t *testing.T) {
	cfg := Default()
	cfg.Auth = AuthConfig{APIID: 1, APIHash: "x"}
	cfg.Servers = []ServerConfig{{Address: "host:443", Transport: "tcp"}}
	cfg.Protocol.Version = 3
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected an error for an unsupported protocol version")
	}
}

func TestExpandEnvVars_SimpleAndDefault(t *testing.T) {
	os.Setenv("MTPROTO_CORE_TEST_HASH", "abc123")
	defer os.Unsetenv("MTPROTO_CORE_TEST_HASH")

	yaml := `
auth:
  api_id: 1
  api_hash: "${MTPROTO_CORE_TEST_HASH}"
servers:
  - address: "${MTPROTO_CORE_TEST_ADDR:-127.0.0.1:443}"
    transport: "tcp"
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Auth.APIHash != "abc123" {
		t.Errorf("Auth.APIHash = %s, want abc123", cfg.Auth.APIHash)
	}
	if cfg.Servers[0].Address != "127.0.0.1:443" {
		t.Errorf("Servers[0].Address = %s, want 127.0.0.1:443 (default)", cfg.Servers[0].Address)
	}
}

func TestManagementKeys_RoundTrip(t *testing.T) {
	cfg := Default()
	pub := strings.Repeat("ab", KeySize)
	cfg.Management.PublicKey = pub

	if !cfg.HasManagementKey() {
		t.Error("HasManagementKey() = false, want true")
	}
	key, err := cfg.GetManagementPublicKey()
	if err != nil {
		t.Fatalf("GetManagementPublicKey() error = %v", err)
	}
	if key[0] != 0xab {
		t.Errorf("GetManagementPublicKey()[0] = %#x, want 0xab", key[0])
	}
}

func TestManagementKeys_PrivateWithoutPublicFails(t *testing.T) {
	cfg := Default()
	cfg.Auth = AuthConfig{APIID: 1, APIHash: "x"}
	cfg.Servers = []ServerConfig{{Address: "host:443", Transport: "tcp"}}
	cfg.Management.PrivateKey = strings.Repeat("ab", KeySize)

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected an error for a private key without a public key")
	}
}

func TestManagementKeys_InvalidHex(t *testing.T) {
	cfg := Default()
	cfg.Management.PublicKey = "not-hex"
	if _, err := cfg.GetManagementPublicKey(); err == nil {
		t.Fatal("GetManagementPublicKey() expected an error for invalid hex")
	}
}

func TestRedacted_HidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth = AuthConfig{APIID: 1, APIHash: "super-secret-hash"}
	cfg.Management.PrivateKey = strings.Repeat("cd", KeySize)
	cfg.TLS.Key = "/path/to/key.pem"

	redacted := cfg.Redacted()
	if redacted.Auth.APIHash != redactedValue {
		t.Errorf("Redacted().Auth.APIHash = %s, want redacted", redacted.Auth.APIHash)
	}
	if redacted.Management.PrivateKey != redactedValue {
		t.Errorf("Redacted().Management.PrivateKey = %s, want redacted", redacted.Management.PrivateKey)
	}
	if redacted.TLS.Key != redactedValue {
		t.Errorf("Redacted().TLS.Key = %s, want redacted", redacted.TLS.Key)
	}

	// The original config must be untouched.
	if cfg.Auth.APIHash != "super-secret-hash" {
		t.Error("Redacted() mutated the original config")
	}
}

func TestHasSensitiveData(t *testing.T) {
	cfg := Default()
	if cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = true for a fresh default config")
	}
	cfg.Auth.APIHash = "x"
	if !cfg.HasSensitiveData() {
		t.Error("HasSensitiveData() = false after setting an api hash")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Fatal("Load() expected an error for a missing file")
	}
}
