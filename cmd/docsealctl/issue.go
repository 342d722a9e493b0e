package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docseal/internal/document/custody"
	"docseal/internal/document/handler"
	"docseal/internal/document/qr"
	"docseal/internal/document/service"
)

func newIssueCmd(g *globalFlags) *cobra.Command {
	var requestPath, recipientPath, payloadOut string
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Generate, anchor, sign and seal a document",
		Long: `Reads a request in the same JSON shape as POST /v1/documents and writes
the sealed envelope, verification payload and token as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req handler.IssueRequest
			if err := readJSONFile(requestPath, &req); err != nil {
				return err
			}
			if err := req.Validate(); err != nil {
				return err
			}

			p, err := g.pipeline(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer p.close()

			ctx, cancel := commandContext(cmd)
			defer cancel()

			var result *service.IssueResult
			if recipientPath != "" {
				data, err := os.ReadFile(recipientPath)
				if err != nil {
					return fmt.Errorf("recipient: %w", err)
				}
				pub, err := custody.ParsePublicKeyPEM(data)
				if err != nil {
					return fmt.Errorf("recipient: %w", err)
				}
				result, err = p.svc.GenerateSecureDocumentFor(ctx, req.Parsed(), pub)
				if err != nil {
					return err
				}
			} else {
				result, err = p.svc.GenerateSecureDocument(ctx, req.Parsed())
				if err != nil {
					return err
				}
			}
			if payloadOut != "" {
				raw, err := qr.Encode(result.Verification)
				if err != nil {
					return err
				}
				if err := os.WriteFile(payloadOut, raw, 0o644); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), handler.FromIssueResult(result))
		},
	}
	cmd.Flags().StringVar(&requestPath, "request", "-", "Request JSON file, - for stdin")
	cmd.Flags().StringVar(&recipientPath, "recipient", "", "Recipient public key (PEM); defaults to --recipient-key")
	cmd.Flags().StringVar(&payloadOut, "payload-out", "", "Write the QR verification payload here")
	return cmd
}
