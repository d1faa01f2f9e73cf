package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"entitlement-api/internal/config"
	"entitlement-api/internal/models"
	"entitlement-api/internal/services"

	"github.com/spf13/cobra"
)

var decodeLeafOnly bool

func decodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Verify and decode an App Store signedPayload",
		Long: `Verify and decode an App Store Server Notification for inspection.

The file holds either the raw signedPayload or the webhook body
{"signedPayload": "..."}. Use "-" to read from stdin. Nothing is written
to the database.

Examples:
  entitlement-api decode notification.json
  pbpaste | entitlement-api decode - --leaf-only`,
		Args: cobra.ExactArgs(1),
		RunE: runDecode,
	}

	cmd.Flags().BoolVar(&decodeLeafOnly, "leaf-only", false, "check the signature against the embedded leaf only")
	return cmd
}

func runDecode(cmd *cobra.Command, args []string) error {
	raw, err := readInput(cmd, args[0])
	if err != nil {
		return err
	}
	signed := strings.TrimSpace(string(raw))

	var wrapper models.AppStoreNotificationWrapper
	if strings.HasPrefix(signed, "{") {
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return fmt.Errorf("failed to parse webhook body: %w", err)
		}
		signed = wrapper.SignedPayload
	}

	verifier := services.NewSignatureVerifierFromConfig(config.AppConfig)
	if decodeLeafOnly {
		verifier = services.NewLeafOnlySignatureVerifier()
	}

	verified, err := verifier.Verify(cmd.Context(), signed)
	if err != nil {
		return err
	}
	envelope, err := services.NewNotificationDecoder().Decode(verified)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
