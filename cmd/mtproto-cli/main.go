// Package main provides the mtproto-cli command-line entry point: a
// thin demonstration and diagnostic shell over the internal/peer
// handshake and connection core.
package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/mtproto-core/internal/certutil"
	"github.com/postalsys/mtproto-core/internal/config"
	mtcrypto "github.com/postalsys/mtproto-core/internal/crypto"
	"github.com/postalsys/mtproto-core/internal/logging"
	"github.com/postalsys/mtproto-core/internal/nonce"
	"github.com/postalsys/mtproto-core/internal/peer"
	"github.com/postalsys/mtproto-core/internal/recovery"
	"github.com/postalsys/mtproto-core/internal/schema"
	"github.com/postalsys/mtproto-core/internal/transport"
	"github.com/postalsys/mtproto-core/internal/wizard"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// Version is set at build time via ldflags.
var Version = "dev"

// cliLogger is shared by the goroutines that drive concurrent dials/
// handshakes below, so a panic in one target's goroutine is logged
// with a stack trace instead of crashing the whole command.
var cliLogger = logging.NewLogger("info", "text")

func main() {
	rootCmd := &cobra.Command{
		Use:     "mtproto-cli",
		Short:   "mtproto-core - MTProto client core demonstration CLI",
		Long:    "mtproto-cli drives the handshake and connection core in internal/peer against a live server, for diagnostics and protocol exploration.",
		Version: Version,
	}

	rootCmd.AddCommand(authorizeCmd())
	rootCmd.AddCommand(dialCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(configureCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(sessionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveTargets returns the server endpoints to operate on: every
// server in a loaded config file, or a single endpoint built from flags.
func resolveTargets(configPath, address, transportName, framingName string) ([]config.ServerConfig, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg.Servers, nil
	}
	if address == "" {
		return nil, fmt.Errorf("either --config or --address is required")
	}
	return []config.ServerConfig{{
		Address:   address,
		Transport: transportName,
		Framing:   framingName,
	}}, nil
}

func resolveTransport(name string) (transport.Transport, error) {
	switch name {
	case "", "tcp":
		return transport.NewTCPTransport(), nil
	case "quic":
		return transport.NewQUICTransport(), nil
	case "h2":
		return transport.NewH2Transport(), nil
	case "ws":
		return transport.NewWebSocketTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want tcp, quic, h2, or ws)", name)
	}
}

func resolveFraming(name string) (peer.FramingFactory, error) {
	switch name {
	case "", "intermediate":
		return transport.NewIntermediate, nil
	case "abridged":
		return transport.NewAbridged, nil
	case "full":
		return transport.NewFull, nil
	default:
		return nil, fmt.Errorf("unknown framing %q (want abridged, intermediate, or full)", name)
	}
}

// dialAddress appends a server's HTTP path to its address for the
// path-bearing h2/ws transports; other transports dial the bare address.
func dialAddress(s config.ServerConfig) string {
	if (s.Transport == "h2" || s.Transport == "ws") && s.Path != "" {
		return s.Address + s.Path
	}
	return s.Address
}

func targetLabel(s config.ServerConfig) string {
	framing := s.Framing
	if framing == "" {
		framing = "intermediate"
	}
	transportName := s.Transport
	if transportName == "" {
		transportName = "tcp"
	}
	if transportName == "tcp" {
		return fmt.Sprintf("%s (tcp/%s)", s.Address, framing)
	}
	return fmt.Sprintf("%s (%s)", s.Address, transportName)
}

func authorizeCmd() *cobra.Command {
	var (
		configPath      string
		address         string
		transportName   string
		framingName     string
		protocolVersion int
		timeout         time.Duration
		allTransports   bool
		insecure        bool
		sealTo          string
	)

	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Run the three-step DH handshake against one or more servers",
		Long: `authorize drives internal/peer's Handshaker through req_pq -> req_DH_params ->
set_client_DH_params against a server endpoint, reporting the resulting
auth_key_id, salt, and round-trip time.

With --all-transports, every server entry in the given config is
dialed and authorized concurrently, reporting latency for each -
mirroring a side-by-side comparison across transport framings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := resolveTargets(configPath, address, transportName, framingName)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return fmt.Errorf("no server targets to authorize")
			}
			if !allTransports {
				targets = targets[:1]
			}

			var sealer *peer.Sealer
			if sealTo != "" {
				if allTransports {
					return fmt.Errorf("--seal-to cannot be combined with --all-transports: a sealed session names one server")
				}
				if configPath == "" {
					return fmt.Errorf("--seal-to requires --config with a management.public_key configured")
				}
				cfg, err := config.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if !cfg.HasManagementKey() {
					return fmt.Errorf("--seal-to requires management.public_key in %s", configPath)
				}
				pub, err := cfg.GetManagementPublicKey()
				if err != nil {
					return err
				}
				sealer = peer.NewSealer(pub)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout*time.Duration(len(targets)+1))
			defer cancel()

			type outcome struct {
				label  string
				result *peer.HandshakeResult
				err    error
			}
			outcomes := make([]outcome, len(targets))

			var wg sync.WaitGroup
			for i, target := range targets {
				wg.Add(1)
				go func(i int, target config.ServerConfig) {
					defer wg.Done()
					defer recovery.RecoverWithLog(cliLogger, fmt.Sprintf("authorize[%s]", targetLabel(target)))
					result, err := authorizeOne(ctx, target, protocolVersion, timeout, insecure, sealer)
					outcomes[i] = outcome{label: targetLabel(target), result: result, err: err}
				}(i, target)
			}
			wg.Wait()

			failed := false
			for _, o := range outcomes {
				if o.err != nil {
					failed = true
					fmt.Printf("%-40s FAILED: %v\n", o.label, o.err)
					continue
				}
				fmt.Printf("%-40s auth_key_id=%#x salt=%#x rtt=%s\n",
					o.label, o.result.AuthKeyID, o.result.Salt, o.result.RTT)
				if sealTo != "" && o.result.SealedSession != nil {
					if err := os.WriteFile(sealTo, o.result.SealedSession, 0o600); err != nil {
						failed = true
						fmt.Printf("%-40s FAILED to write sealed session: %v\n", o.label, err)
						continue
					}
					fmt.Printf("%-40s sealed session written to %s\n", o.label, sealTo)
				}
			}
			if failed {
				return fmt.Errorf("one or more handshakes failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config.yaml (overrides --address/--transport/--framing)")
	cmd.Flags().StringVarP(&address, "address", "a", "", "server host:port to authorize against")
	cmd.Flags().StringVar(&transportName, "transport", "tcp", "transport: tcp, quic, h2, or ws")
	cmd.Flags().StringVar(&framingName, "framing", "intermediate", "length framing: abridged, intermediate, or full")
	cmd.Flags().IntVar(&protocolVersion, "protocol-version", 2, "msg_key derivation version (1 or 2)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-handshake timeout")
	cmd.Flags().BoolVar(&allTransports, "all-transports", false, "authorize every server in --config concurrently")
	cmd.Flags().BoolVar(&insecure, "insecure-skip-verify", false, "skip TLS certificate verification (quic/h2/ws)")
	cmd.Flags().StringVar(&sealTo, "seal-to", "", "seal the resulting auth key/session at rest to this path via --config's management.public_key")

	return cmd
}

func authorizeOne(ctx context.Context, s config.ServerConfig, protocolVersion int, timeout time.Duration, insecure bool, sealer *peer.Sealer) (*peer.HandshakeResult, error) {
	tr, err := resolveTransport(s.Transport)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	framing, err := resolveFraming(s.Framing)
	if err != nil {
		return nil, err
	}

	dialOpts := transport.DefaultDialOptions()
	dialOpts.Timeout = timeout
	dialOpts.InsecureSkipVerify = insecure

	connCfg := peer.ConnectionConfig{
		ProtocolVersion: protocolVersion,
		NewFraming:      framing,
	}

	h := peer.NewHandshaker(timeout)
	if sealer != nil {
		h = h.WithSealer(sealer)
	}
	conn, result, err := h.DialAndHandshake(ctx, tr, dialAddress(s), dialOpts, connCfg)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return result, nil
}

func dialCmd() *cobra.Command {
	var (
		configPath    string
		address       string
		transportName string
		framingName   string
		timeout       time.Duration
		rawHex        string
		insecure      bool
	)

	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Open a Connection and issue a single plain-envelope request",
		Long: `dial opens internal/peer's Connection over the single stream a
session ever uses and issues one pre-authorization RequestPlain.

Without --hex, it sends a req_pq_multi request (the handshake's first
step) and reports the server's nonce echo and PQ composite. With --hex,
it sends the given raw bytes instead and reports the raw response -
useful for probing framing and transport behavior directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			targets, err := resolveTargets(configPath, address, transportName, framingName)
			if err != nil {
				return err
			}
			if len(targets) == 0 {
				return fmt.Errorf("no server target to dial")
			}
			target := targets[0]

			tr, err := resolveTransport(target.Transport)
			if err != nil {
				return err
			}
			defer tr.Close()
			framing, err := resolveFraming(target.Framing)
			if err != nil {
				return err
			}

			dialOpts := transport.DefaultDialOptions()
			dialOpts.Timeout = timeout
			dialOpts.InsecureSkipVerify = insecure

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			peerConn, err := tr.Dial(ctx, dialAddress(target), dialOpts)
			if err != nil {
				return fmt.Errorf("dial %s: %w", target.Address, err)
			}

			conn, err := peer.NewConnection(ctx, peerConn, peer.ConnectionConfig{ProtocolVersion: 2, NewFraming: framing})
			if err != nil {
				peerConn.Close()
				return fmt.Errorf("open connection: %w", err)
			}
			defer conn.Close()

			var body []byte
			var clientNonce nonce.Nonce128
			if rawHex != "" {
				body, err = hex.DecodeString(rawHex)
				if err != nil {
					return fmt.Errorf("invalid --hex payload: %w", err)
				}
			} else {
				clientNonce, err = nonce.New128()
				if err != nil {
					return fmt.Errorf("generate nonce: %w", err)
				}
				body = schema.EncodeReqPQMulti(clientNonce)
			}

			fmt.Printf("sending %s to %s\n", humanize.Bytes(uint64(len(body))), targetLabel(target))

			resp, err := conn.RequestPlain(ctx, body)
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}

			fmt.Printf("received %s\n", humanize.Bytes(uint64(len(resp))))
			if rawHex != "" {
				fmt.Printf("response: %s\n", hex.EncodeToString(resp))
				return nil
			}

			resPQ, err := schema.DecodeResPQ(resp)
			if err != nil {
				return fmt.Errorf("decode resPQ: %w", err)
			}
			fmt.Printf("nonce echoed correctly: %v\n", resPQ.Nonce == clientNonce)
			fmt.Printf("server_nonce: %s\n", hex.EncodeToString(resPQ.ServerNonce[:]))
			fmt.Printf("pq: %s\n", hex.EncodeToString(resPQ.PQ))
			fmt.Printf("server key fingerprints: %d\n", len(resPQ.ServerPublicKeyFingerprints))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config.yaml (overrides --address/--transport/--framing)")
	cmd.Flags().StringVarP(&address, "address", "a", "", "server host:port to dial")
	cmd.Flags().StringVar(&transportName, "transport", "tcp", "transport: tcp, quic, h2, or ws")
	cmd.Flags().StringVar(&framingName, "framing", "intermediate", "length framing: abridged, intermediate, or full")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "dial and request timeout")
	cmd.Flags().StringVar(&rawHex, "hex", "", "raw hex-encoded payload to send instead of req_pq_multi")
	cmd.Flags().BoolVar(&insecure, "insecure-skip-verify", false, "skip TLS certificate verification (quic/h2/ws)")

	return cmd
}

func keygenCmd() *cobra.Command {
	var derivePublicOnly bool
	var signing bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate or inspect a management sealing or signing keypair",
		Long: `Generate an X25519 keypair for sealing a persisted auth key and
salt at rest (internal/config's management section).

The private key should be kept only on the operator machine that needs
to read a persisted session; the public key can ship with every
client that writes one.

With --signing, generate an Ed25519 keypair instead, for signing
operator revoke commands (internal/config's management.signing_public_key);
the public key ships with every client, the private key stays with the
operator issuing revokes.

With --from-private, derive the public key from an existing X25519
private key instead of generating a new pair; the private key is read
from a masked terminal prompt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if signing {
				kp, err := mtcrypto.GenerateSigningKeypair()
				if err != nil {
					return fmt.Errorf("generate signing keypair: %w", err)
				}
				defer mtcrypto.ZeroSigningKey(&kp.PrivateKey)

				fmt.Println("management:")
				fmt.Printf("  signing_public_key: %q\n", hex.EncodeToString(kp.PublicKey[:]))
				fmt.Printf("  # signing private key, keep with the operator issuing revokes: %s\n", hex.EncodeToString(kp.PrivateKey[:]))
				return nil
			}

			if derivePublicOnly {
				fmt.Print("private key (hex): ")
				line, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read private key: %w", err)
				}
				raw, err := hex.DecodeString(string(line))
				if err != nil {
					return fmt.Errorf("invalid private key hex: %w", err)
				}
				if len(raw) != 32 {
					return fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
				}
				var priv [32]byte
				copy(priv[:], raw)
				pub := mtcrypto.DerivePublicKey(priv)
				fmt.Printf("public_key: %q\n", hex.EncodeToString(pub[:]))
				return nil
			}

			priv, pub, err := mtcrypto.GenerateEphemeralKeypair()
			if err != nil {
				return fmt.Errorf("generate keypair: %w", err)
			}
			defer mtcrypto.ZeroKey(&priv)

			fmt.Println("management:")
			fmt.Printf("  public_key: %q\n", hex.EncodeToString(pub[:]))
			fmt.Printf("  private_key: %q  # keep on the operator machine only\n", hex.EncodeToString(priv[:]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&derivePublicOnly, "from-private", false, "derive the public key from an existing private key (masked prompt)")
	cmd.Flags().BoolVar(&signing, "signing", false, "generate an Ed25519 revoke-signing keypair instead of an X25519 sealing keypair")
	return cmd
}

func configureCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Interactively build a config.yaml",
		Long:  "Run a form-based wizard that produces a validated client config.yaml.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := wizard.New().Run()
			if err != nil {
				return err
			}

			data := []byte(cfg.StringUnsafe())
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Printf("wrote %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "./mtproto.yaml", "path to write the generated config")
	return cmd
}

// certCmd groups local test-certificate management: the quic/h2/ws
// Listener sides need a TLS certificate, and there's no production CA
// to fetch one from when running a local test server.
func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate and inspect TLS certificates for local test listeners",
		Long:  "Generate the CA and server certificates used by a local quic/h2/ws Listener for integration testing.",
	}
	cmd.AddCommand(certCACmd())
	cmd.AddCommand(certServerCmd())
	cmd.AddCommand(certInfoCmd())
	return cmd
}

func certCACmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Generate a CA certificate",
		Long:  "Generate a new Certificate Authority certificate and private key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			validFor := time.Duration(validDays) * 24 * time.Hour

			ca, err := certutil.GenerateCA(commonName, validFor)
			if err != nil {
				return fmt.Errorf("generate CA: %w", err)
			}

			certPath := outDir + "/ca.crt"
			keyPath := outDir + "/ca.key"
			if err := ca.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save CA: %w", err)
			}

			fmt.Printf("certificate: %s\n", certPath)
			fmt.Printf("private key: %s\n", keyPath)
			fmt.Printf("fingerprint: %s\n", ca.Fingerprint())
			fmt.Printf("expires:     %s\n", ca.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "mtproto-core test CA", "common name for the CA")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "output directory for certificate files")
	cmd.Flags().IntVar(&validDays, "days", 365, "validity period in days")
	return cmd
}

func certServerCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
		caPath     string
		caKeyPath  string
		dnsNames   string
		ipAddrs    string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Generate a server certificate for a local test listener",
		Long:  "Generate a server certificate signed by a CA, for a local quic/h2/ws Listener.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := certutil.LoadCert(caPath, caKeyPath)
			if err != nil {
				return fmt.Errorf("load CA: %w", err)
			}

			opts := certutil.DefaultServerOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour
			opts.ParentCert = ca.Certificate
			opts.ParentKey = ca.PrivateKey

			if dnsNames != "" {
				opts.DNSNames = append(opts.DNSNames, strings.Split(dnsNames, ",")...)
			}
			if ipAddrs != "" {
				for _, ip := range strings.Split(ipAddrs, ",") {
					parsed := net.ParseIP(strings.TrimSpace(ip))
					if parsed == nil {
						return fmt.Errorf("invalid IP address: %s", ip)
					}
					opts.IPAddresses = append(opts.IPAddresses, parsed)
				}
			}

			cert, err := certutil.GenerateCert(opts)
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}

			certPath := outDir + "/" + commonName + ".crt"
			keyPath := outDir + "/" + commonName + ".key"
			if err := cert.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save certificate: %w", err)
			}

			fmt.Printf("certificate: %s\n", certPath)
			fmt.Printf("private key: %s\n", keyPath)
			fmt.Printf("fingerprint: %s\n", cert.Fingerprint())
			fmt.Printf("expires:     %s\n", cert.Certificate.NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "", "common name for the certificate (required)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "output directory for certificate files")
	cmd.Flags().IntVar(&validDays, "days", 90, "validity period in days")
	cmd.Flags().StringVar(&caPath, "ca", "./certs/ca.crt", "path to CA certificate")
	cmd.Flags().StringVar(&caKeyPath, "ca-key", "./certs/ca.key", "path to CA private key")
	cmd.Flags().StringVar(&dnsNames, "dns", "", "additional DNS names (comma-separated)")
	cmd.Flags().StringVar(&ipAddrs, "ip", "", "additional IP addresses (comma-separated)")
	_ = cmd.MarkFlagRequired("cn")
	return cmd
}

func certInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <certificate>",
		Short: "Display certificate information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := certutil.GetCertInfoFromFile(args[0])
			if err != nil {
				return fmt.Errorf("read certificate: %w", err)
			}

			fmt.Printf("subject:     %s\n", info.Subject)
			fmt.Printf("issuer:      %s\n", info.Issuer)
			fmt.Printf("serial:      %s\n", info.SerialNumber)
			fmt.Printf("fingerprint: %s\n", info.Fingerprint)
			fmt.Printf("is_ca:       %v\n", info.IsCA)
			fmt.Printf("not_before:  %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Printf("not_after:   %s\n", info.NotAfter.Format(time.RFC3339))
			if time.Now().After(info.NotAfter) {
				fmt.Println("status:      EXPIRED")
			}
			if len(info.DNSNames) > 0 {
				fmt.Printf("dns_names:   %s\n", strings.Join(info.DNSNames, ", "))
			}
			if len(info.IPAddresses) > 0 {
				fmt.Printf("ip_addresses: %s\n", strings.Join(info.IPAddresses, ", "))
			}
			return nil
		},
	}
	return cmd
}

// sessionCmd groups operator tooling for sessions persisted at rest
// via authorize --seal-to: opening a sealed session file, and signing
// a revoke command that forces one to be discarded instead.
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or revoke a sealed session persisted by authorize --seal-to",
		Long:  "Open a sealed session file with the management private key, or sign an operator revoke command for one.",
	}
	cmd.AddCommand(sessionOpenCmd())
	cmd.AddCommand(sessionRevokeCmd())
	cmd.AddCommand(sessionWatchRevokeCmd())
	return cmd
}

func sessionOpenCmd() *cobra.Command {
	var (
		configPath string
		inPath     string
		revokePath string
	)

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Decrypt a sealed session file and report its contents",
		Long: `Open reads a sealed session file written by authorize --seal-to,
decrypts it with --config's management private key, and reports the
session id, salt, and protocol version it carries.

With --revoke, also check the sealed session's id against a
RevokeCommand file produced by "session revoke"; if the signature
verifies, the session is reported revoked instead of opened.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.CanDecryptManagement() {
				return fmt.Errorf("%s has no management.private_key configured", configPath)
			}
			pub, err := cfg.GetManagementPublicKey()
			if err != nil {
				return err
			}
			priv, err := cfg.GetManagementPrivateKey()
			if err != nil {
				return err
			}

			sealed, err := os.ReadFile(inPath)
			if err != nil {
				return fmt.Errorf("read %s: %w", inPath, err)
			}

			var revoke *peer.RevokeCommand
			var signingPub [mtcrypto.Ed25519PublicKeySize]byte
			if revokePath != "" {
				if !cfg.HasSigningKey() {
					return fmt.Errorf("--revoke requires management.signing_public_key in %s", configPath)
				}
				signingPub, err = cfg.GetSigningPublicKey()
				if err != nil {
					return err
				}
				raw, err := os.ReadFile(revokePath)
				if err != nil {
					return fmt.Errorf("read %s: %w", revokePath, err)
				}
				decoded, err := peer.DecodeRevokeCommand(raw)
				if err != nil {
					return err
				}
				revoke = &decoded
			}

			opener := peer.NewOpener(pub, priv)
			state, err := peer.LoadSealedSession(opener, sealed, revoke, signingPub)
			if errors.Is(err, peer.ErrSessionRevoked) {
				fmt.Println("session: REVOKED by operator command")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Printf("session_id: %#x\n", state.SessionID())
			fmt.Printf("salt:       %#x\n", state.Salt())
			fmt.Printf("version:    %d\n", state.Version())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a config.yaml with management.private_key")
	cmd.Flags().StringVar(&inPath, "in", "", "path to the sealed session file")
	cmd.Flags().StringVar(&revokePath, "revoke", "", "path to an operator revoke command file, checked against this session's id")
	cmd.MarkFlagRequired("config")
	cmd.MarkFlagRequired("in")
	return cmd
}

// parseSessionIDHex parses a hex-encoded (optionally "0x"-prefixed)
// session id, as printed by "session open" and consumed by "session
// revoke"/"session watch-revoke".
func parseSessionIDHex(s string) (int64, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) > 8 {
		return 0, fmt.Errorf("invalid session id hex %q", s)
	}
	var idBuf [8]byte
	copy(idBuf[8-len(raw):], raw)
	return int64(binary.BigEndian.Uint64(idBuf[:])), nil
}

func sessionRevokeCmd() *cobra.Command {
	var (
		sessionIDHex string
		outPath      string
		pushAddr     string
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Sign a command ordering a persisted session discarded",
		Long: `Sign an operator command that forces a sealed session to be
discarded instead of resumed by "session open". The operator signing
private key is read from a masked terminal prompt; the corresponding
signing_public_key must be configured in the client's management
section to verify it.

With --out, the signed command is written to a file for later use with
"session open --revoke". With --push, it is instead (or additionally)
delivered live over an encrypted ControlChannel to a client running
"session watch-revoke" at that address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := parseSessionIDHex(sessionIDHex)
			if err != nil {
				return err
			}
			if outPath == "" && pushAddr == "" {
				return fmt.Errorf("specify --out, --push, or both")
			}

			fmt.Print("operator signing private key (hex): ")
			line, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return fmt.Errorf("read signing private key: %w", err)
			}
			privRaw, err := hex.DecodeString(string(line))
			if err != nil || len(privRaw) != mtcrypto.Ed25519PrivateKeySize {
				return fmt.Errorf("signing private key must be %d bytes hex-encoded", mtcrypto.Ed25519PrivateKeySize)
			}
			var priv [mtcrypto.Ed25519PrivateKeySize]byte
			copy(priv[:], privRaw)
			defer mtcrypto.ZeroSigningKey(&priv)

			revoke := peer.SignRevokeCommand(priv, sessionID, time.Now().Unix())

			if outPath != "" {
				if err := os.WriteFile(outPath, peer.EncodeRevokeCommand(revoke), 0o600); err != nil {
					return fmt.Errorf("write %s: %w", outPath, err)
				}
				fmt.Printf("wrote %s (session_id=%#x)\n", outPath, sessionID)
			}

			if pushAddr != "" {
				conn, err := net.Dial("tcp", pushAddr)
				if err != nil {
					return fmt.Errorf("dial %s: %w", pushAddr, err)
				}
				ch, err := peer.DialControlChannel(conn, uint64(sessionID))
				if err != nil {
					conn.Close()
					return err
				}
				defer ch.Close()
				if err := ch.SendRevoke(revoke); err != nil {
					return err
				}
				fmt.Printf("pushed revoke for session_id=%#x to %s\n", sessionID, pushAddr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionIDHex, "session-id", "", "session id to revoke, hex-encoded (from session open's output)")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the signed revoke command")
	cmd.Flags().StringVar(&pushAddr, "push", "", "host:port of a client running \"session watch-revoke\" to deliver the command to live")
	cmd.MarkFlagRequired("session-id")
	return cmd
}

func sessionWatchRevokeCmd() *cobra.Command {
	var (
		listenAddr   string
		sessionIDHex string
		outPath      string
	)

	cmd := &cobra.Command{
		Use:   "watch-revoke",
		Short: "Listen once for an operator-pushed revoke command and save it",
		Long: `watch-revoke listens on --addr for a single operator connection
carrying a RevokeCommand pushed by "session revoke --push", decrypts it
over a ControlChannel, and writes it to --out for later use with
"session open --revoke".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := parseSessionIDHex(sessionIDHex)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listenAddr, err)
			}
			defer ln.Close()
			fmt.Printf("listening on %s for an operator revoke push...\n", ln.Addr())

			conn, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("accept: %w", err)
			}

			ch, err := peer.AcceptControlChannel(conn, uint64(sessionID))
			if err != nil {
				conn.Close()
				return err
			}
			defer ch.Close()

			revoke, err := ch.ReceiveRevoke()
			if err != nil {
				return err
			}
			if err := os.WriteFile(outPath, peer.EncodeRevokeCommand(revoke), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Printf("wrote %s (session_id=%#x)\n", outPath, revoke.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&listenAddr, "addr", ":0", "address to listen on for the operator push")
	cmd.Flags().StringVar(&sessionIDHex, "session-id", "", "session id expected in the pushed command, hex-encoded")
	cmd.Flags().StringVar(&outPath, "out", "", "path to write the received revoke command")
	cmd.MarkFlagRequired("session-id")
	cmd.MarkFlagRequired("out")
	return cmd
}
