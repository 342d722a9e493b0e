// Package main is the entry point for docsealctl, the offline companion to
// the docseal server. It issues and opens envelopes with local key files and
// generates key material.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"docseal/internal/document/anchor"
	"docseal/internal/document/custody"
	"docseal/internal/document/models"
	"docseal/internal/document/service"
	"docseal/internal/platform/config"
	"docseal/internal/platform/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags override the DOCSEAL_* environment for one invocation.
type globalFlags struct {
	issuer         string
	signingKey     string
	signingKeyID   string
	recipientKey   string
	biometricKey   string
	trustedIssuers string
	anchorURL      string
	anchorLedger   string
	logLevel       string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "docsealctl",
		Short: "Issue and open sealed identity document envelopes",
		Long: `docsealctl runs the docseal pipeline locally.

Keys default to the DOCSEAL_* environment used by the server and can be
overridden per call.

Example:
  docsealctl keygen --kind ed25519 --out issuer.pem --public issuer.pub.pem --key-id issuer-1
  docsealctl keygen --kind rsa --out recipient.pem --public recipient.pub.pem
  docsealctl issue --request req.json --recipient recipient.pub.pem --signing-key issuer.pem > env.json
  docsealctl open --envelope env.json --recipient-key recipient.pem --trusted-issuers issuer.pub.pem`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.issuer, "issuer", "", "Issuing authority name")
	pf.StringVar(&g.signingKey, "signing-key", "", "Issuer signing key (PEM)")
	pf.StringVar(&g.signingKeyID, "signing-key-id", "", "Key ID recorded in signatures")
	pf.StringVar(&g.recipientKey, "recipient-key", "", "Recipient key (PEM, private to open)")
	pf.StringVar(&g.biometricKey, "biometric-key", "", "Biometric master key (base64 file)")
	pf.StringVar(&g.trustedIssuers, "trusted-issuers", "", "Trusted issuer public keys (PEM bundle)")
	pf.StringVar(&g.anchorURL, "anchor-url", "", "Anchor service URL")
	pf.StringVar(&g.anchorLedger, "anchor-ledger", "", "Local ledger directory (embedded)")
	pf.StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newKeygenCmd(),
		newIssueCmd(g),
		newOpenCmd(g),
		newVerifyTokenCmd(g),
	)
	return root
}

// pipeline is a document service backed by local keys and a CLI-selected
// anchor backend.
type pipeline struct {
	svc   *service.Service
	close func()
}

func (g *globalFlags) config() (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return config.Config{}, err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.Issuer, g.issuer)
	set(&cfg.Keys.SigningKeyPath, g.signingKey)
	set(&cfg.Keys.SigningKeyID, g.signingKeyID)
	set(&cfg.Keys.RecipientKeyPath, g.recipientKey)
	set(&cfg.Keys.BiometricKeyPath, g.biometricKey)
	set(&cfg.Keys.TrustedIssuersPath, g.trustedIssuers)
	cfg.Logging = config.Logging{Level: g.logLevel, Format: "text"}
	return cfg, nil
}

func (g *globalFlags) pipeline(stderr io.Writer) (*pipeline, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, err
	}
	log := logger.NewWithWriter(cfg.Logging, stderr)

	keys, err := custody.Load(cfg.Keys)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}

	var (
		backend anchor.Backend = anchor.NewMemoryLedger()
		closeFn                = func() {}
	)
	switch {
	case g.anchorURL != "":
		b, err := anchor.NewHTTPBackend(g.anchorURL, anchor.WithHTTPClient(&http.Client{Timeout: cfg.Anchor.Timeout}))
		if err != nil {
			return nil, err
		}
		backend = b
	case g.anchorLedger != "":
		l, err := anchor.OpenBadgerLedger(g.anchorLedger)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		backend = l
		closeFn = func() { _ = l.Close() }
	}

	svc, err := service.New(cfg.Server.Issuer, keys,
		anchor.New(backend, anchor.WithTimeout(cfg.Anchor.Timeout), anchor.WithLogger(log)),
		service.WithLogger(log),
		service.WithDefaultFeatures(models.SecurityConfig(cfg.Features)),
		service.WithVerificationTokens(cfg.Server.TokenTTL),
	)
	if err != nil {
		closeFn()
		return nil, err
	}
	return &pipeline{svc: svc, close: closeFn}, nil
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, time.Minute)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func readJSONFile(path string, v any) error {
	data, err := readInput(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
