// Package config provides configuration parsing and validation for the
// MTProto client core.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/postalsys/mtproto-core/internal/crypto"
	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Auth       AuthConfig       `yaml:"auth"`
	Servers    []ServerConfig   `yaml:"servers"`
	Protocol   ProtocolConfig   `yaml:"protocol"`
	TLS        GlobalTLSConfig  `yaml:"tls"`
	Management ManagementConfig `yaml:"management"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// AuthConfig carries the application credentials issued by the server
// operator, opaque to the handshake/session layers.
type AuthConfig struct {
	// APIID is the application identifier (opaque integer, issued
	// out of band).
	APIID int `yaml:"api_id"`
	// APIHash is the application secret paired with APIID.
	APIHash string `yaml:"api_hash"`
}

// ServerConfig describes one server endpoint and how to reach it.
type ServerConfig struct {
	// Address is the host:port to dial.
	Address string `yaml:"address"`
	// Transport selects the byte-stream carrier: tcp, quic, h2, or ws.
	Transport string `yaml:"transport"`
	// Framing selects the length convention: abridged, intermediate,
	// or full (empty means intermediate). It applies on every transport.
	Framing string `yaml:"framing"`
	// Path is the HTTP path for h2/ws transports.
	Path string `yaml:"path"`
	TLS  TLSConfig `yaml:"tls"`
}

// ProtocolConfig defines protocol identifiers used for transport
// negotiation and the msg_key derivation version.
type ProtocolConfig struct {
	// Version selects the msg_key derivation a session uses once
	// authenticated: 1 (legacy SHA-1) or 2 (SHA-256).
	Version int `yaml:"version"`

	// ALPN is the Application-Layer Protocol Negotiation identifier
	// used for QUIC and TLS connections. Default: "mtproto-core/1".
	ALPN string `yaml:"alpn"`

	// HTTPHeader is the custom header name for HTTP/2 transport
	// protocol identification. Set to "" to disable.
	HTTPHeader string `yaml:"http_header"`

	// WSSubprotocol is the WebSocket subprotocol identifier. Set to ""
	// to disable subprotocol negotiation.
	WSSubprotocol string `yaml:"ws_subprotocol"`
}

// GlobalTLSConfig defines global TLS settings shared across all
// connections.
type GlobalTLSConfig struct {
	CA    string `yaml:"ca"`
	CAPEM string `yaml:"ca_pem"`

	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`
}

// GetCAPEM returns the CA certificate PEM content, reading from file if
// necessary.
func (g *GlobalTLSConfig) GetCAPEM() ([]byte, error) {
	if g.CAPEM != "" {
		return []byte(g.CAPEM), nil
	}
	if g.CA != "" {
		return os.ReadFile(g.CA)
	}
	return nil, nil
}

// HasCA returns true if a CA certificate is configured (file or PEM).
func (g *GlobalTLSConfig) HasCA() bool {
	return g.CA != "" || g.CAPEM != ""
}

// TLSConfig defines per-server TLS settings that can override global
// settings.
type TLSConfig struct {
	CA    string `yaml:"ca"`
	CAPEM string `yaml:"ca_pem"`

	Fingerprint        string `yaml:"fingerprint"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// GetCAPEM returns the CA certificate PEM content, reading from file if
// necessary.
func (t *TLSConfig) GetCAPEM() ([]byte, error) {
	if t.CAPEM != "" {
		return []byte(t.CAPEM), nil
	}
	if t.CA != "" {
		return os.ReadFile(t.CA)
	}
	return nil, nil
}

// HasCA returns true if a CA certificate is configured (file or PEM).
func (t *TLSConfig) HasCA() bool {
	return t.CA != "" || t.CAPEM != ""
}

// GetEffectiveCAPEM returns the effective CA certificate PEM,
// preferring a per-server override over the global config.
func (c *Config) GetEffectiveCAPEM(override *TLSConfig) ([]byte, error) {
	if override != nil && override.HasCA() {
		return override.GetCAPEM()
	}
	return c.TLS.GetCAPEM()
}

// ManagementConfig configures an optional sealing keypair used to
// encrypt a persisted auth key/salt at rest, so only an operator with
// the private key can read a session file. It also carries the
// operator's Ed25519 public key used to verify signed revoke commands
// that force a persisted session to be discarded.
type ManagementConfig struct {
	// PublicKey is the management public key (hex-encoded, 64 chars).
	PublicKey string `yaml:"public_key"`
	// PrivateKey is the management private key (hex-encoded, 64
	// chars). Only set on a trusted operator's machine.
	PrivateKey string `yaml:"private_key"`
	// SigningPublicKey is the operator's Ed25519 public key
	// (hex-encoded, 64 chars), used to verify signed commands to
	// discard a persisted session. Set to "" to disable revocation.
	SigningPublicKey string `yaml:"signing_public_key"`
}

// KeySize is the size of X25519 keys in bytes.
const KeySize = 32

// HasManagementKey returns true if management encryption is
// configured.
func (c *Config) HasManagementKey() bool {
	return c.Management.PublicKey != ""
}

// GetManagementPublicKey returns the parsed management public key.
func (c *Config) GetManagementPublicKey() ([KeySize]byte, error) {
	return decodeKeyHex(c.Management.PublicKey, "management public key")
}

// GetManagementPrivateKey returns the parsed management private key.
func (c *Config) GetManagementPrivateKey() ([KeySize]byte, error) {
	return decodeKeyHex(c.Management.PrivateKey, "management private key")
}

// CanDecryptManagement returns true if the management private key is
// configured.
func (c *Config) CanDecryptManagement() bool {
	return c.Management.PrivateKey != ""
}

// HasSigningKey returns true if an operator signing public key is
// configured, enabling signed revoke commands on a persisted session.
func (c *Config) HasSigningKey() bool {
	return c.Management.SigningPublicKey != ""
}

// GetSigningPublicKey returns the parsed operator Ed25519 public key.
func (c *Config) GetSigningPublicKey() ([crypto.Ed25519PublicKeySize]byte, error) {
	var key [crypto.Ed25519PublicKeySize]byte
	if c.Management.SigningPublicKey == "" {
		return key, fmt.Errorf("operator signing public key not configured")
	}
	decoded, err := hex.DecodeString(c.Management.SigningPublicKey)
	if err != nil {
		return key, fmt.Errorf("invalid operator signing public key hex: %w", err)
	}
	if len(decoded) != crypto.Ed25519PublicKeySize {
		return key, fmt.Errorf("operator signing public key must be %d bytes, got %d", crypto.Ed25519PublicKeySize, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

func decodeKeyHex(s, label string) ([KeySize]byte, error) {
	var key [KeySize]byte
	if s == "" {
		return key, fmt.Errorf("%s not configured", label)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid %s hex: %w", label, err)
	}
	if len(decoded) != KeySize {
		return key, fmt.Errorf("%s must be %d bytes, got %d", label, KeySize, len(decoded))
	}
	copy(key[:], decoded)
	return key, nil
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Servers: []ServerConfig{},
		Protocol: ProtocolConfig{
			Version:       2,
			ALPN:          "mtproto-core/1",
			HTTPHeader:    "X-Mtproto-Core-Protocol",
			WSSubprotocol: "mtproto-core/1",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their
// values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Auth.APIID == 0 {
		errs = append(errs, "auth.api_id is required")
	}
	if c.Auth.APIHash == "" {
		errs = append(errs, "auth.api_hash is required")
	}

	if len(c.Servers) == 0 {
		errs = append(errs, "at least one entry in servers is required")
	}
	for i, s := range c.Servers {
		if err := c.validateServer(s); err != nil {
			errs = append(errs, fmt.Sprintf("servers[%d]: %v", i, err))
		}
	}

	if c.Protocol.Version != 1 && c.Protocol.Version != 2 {
		errs = append(errs, "protocol.version must be 1 or 2")
	}

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if err := c.validateManagementKeys(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateServer(s ServerConfig) error {
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	if !isValidTransport(s.Transport) {
		return fmt.Errorf("invalid transport: %s (must be tcp, quic, h2, or ws)", s.Transport)
	}
	if s.Transport == "tcp" && s.Framing != "" && !isValidFraming(s.Framing) {
		return fmt.Errorf("invalid framing: %s (must be abridged, intermediate, or full)", s.Framing)
	}
	if (s.Transport == "h2" || s.Transport == "ws") && s.Path == "" {
		return fmt.Errorf("path is required for %s transport", s.Transport)
	}
	return nil
}

func (c *Config) validateManagementKeys() error {
	if c.Management.PublicKey == "" {
		if c.Management.PrivateKey != "" {
			return fmt.Errorf("management.private_key requires management.public_key to be set")
		}
		return nil
	}
	if _, err := c.GetManagementPublicKey(); err != nil {
		return fmt.Errorf("management.public_key: %w", err)
	}
	if c.Management.PrivateKey != "" {
		if _, err := c.GetManagementPrivateKey(); err != nil {
			return fmt.Errorf("management.private_key: %w", err)
		}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "quic", "h2", "ws":
		return true
	default:
		return false
	}
}

func isValidFraming(framing string) bool {
	switch framing {
	case "abridged", "intermediate", "full":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config for debugging.
// Sensitive values are redacted; use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive
// values. Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values
// redacted. Safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Auth.APIHash != "" {
		redacted.Auth.APIHash = redactedValue
	}
	if redacted.TLS.Key != "" {
		redacted.TLS.Key = redactedValue
	}
	if redacted.TLS.KeyPEM != "" {
		redacted.TLS.KeyPEM = redactedValue
	}
	if redacted.Management.PrivateKey != "" {
		redacted.Management.PrivateKey = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive
// data.
func (c *Config) HasSensitiveData() bool {
	return c.Auth.APIHash != "" || c.Management.PrivateKey != "" || c.TLS.Key != "" || c.TLS.KeyPEM != ""
}
