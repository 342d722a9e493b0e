package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docseal/internal/document/handler"
	"docseal/internal/document/models"
	dErrors "docseal/pkg/domain-errors"
)

var errVerificationFailed = errors.New("verification_failed")

func newOpenCmd(g *globalFlags) *cobra.Command {
	var envelopePath, biometricsOut, payloadPath string
	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open and verify a sealed envelope",
		Long: `Reads a sealed envelope (or an issue output containing one) and prints the
verified document. Exits non-zero with verification_failed on any failure.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := readEnvelope(envelopePath)
			if err != nil {
				return err
			}

			p, err := g.pipeline(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			result, err := p.svc.OpenEnvelope(ctx, env)
			if dErrors.HasCode(err, dErrors.CodeVerificationFailed) {
				_ = writeJSON(cmd.OutOrStdout(), &handler.VerifyResponse{Error: errVerificationFailed.Error()})
				return errVerificationFailed
			}
			if err != nil {
				return err
			}

			if payloadPath != "" {
				scanned, err := os.ReadFile(payloadPath)
				if err != nil {
					return err
				}
				if err := p.svc.CheckPayload(result, scanned); err != nil {
					if dErrors.HasCode(err, dErrors.CodeVerificationFailed) {
						_ = writeJSON(cmd.OutOrStdout(), &handler.VerifyResponse{Error: errVerificationFailed.Error()})
						return errVerificationFailed
					}
					return err
				}
			}

			if biometricsOut != "" {
				raw, err := p.svc.BiometricTemplate(result)
				if err != nil {
					return err
				}
				if err := os.WriteFile(biometricsOut, raw, 0o600); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), handler.FromOpenResult(result))
		},
	}
	cmd.Flags().StringVar(&envelopePath, "envelope", "-", "Envelope JSON file, - for stdin")
	cmd.Flags().StringVar(&biometricsOut, "biometrics-out", "", "Write the decrypted biometric template here")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "Scanned QR payload JSON to match against the document")
	return cmd
}

// readEnvelope accepts a bare envelope or the output of issue.
func readEnvelope(path string) (models.SealedEnvelope, error) {
	data, err := readInput(path)
	if err != nil {
		return models.SealedEnvelope{}, err
	}
	var wrapped struct {
		Envelope *models.SealedEnvelope `json:"envelope"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Envelope != nil {
		return *wrapped.Envelope, nil
	}
	var env models.SealedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.SealedEnvelope{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return env, nil
}

func newVerifyTokenCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-token TOKEN",
		Short: "Verify a scanned QR verification token offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.pipeline(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			payload, err := p.svc.VerifyToken(ctx, args[0])
			if err != nil {
				_ = writeJSON(cmd.OutOrStdout(), &handler.VerifyTokenResponse{Error: errVerificationFailed.Error()})
				return errVerificationFailed
			}
			return writeJSON(cmd.OutOrStdout(), &handler.VerifyTokenResponse{Valid: true, Payload: &payload})
		},
	}
}
