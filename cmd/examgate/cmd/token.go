package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/examgate/config"
	"github.com/jmcleod/examgate/secret"
	"github.com/jmcleod/examgate/token"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Access token tools",
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect <token>",
	Short: "Decode an access token",
	Long: `Decodes the payload of an access token. When a token secret is configured
the signature and expiry are verified as well; otherwise the output is
informational only.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		var key *secret.Key
		if cfg.TokenSecret != "" || cfg.TokenSecretKMSCiphertext != "" {
			key, err = loadSecret(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to load token secret: %w", err)
			}
			defer key.Destroy()
		}

		result, err := inspectToken(args[0], key, time.Now())
		if err != nil {
			return err
		}
		return printInspection(cmd.OutOrStdout(), result)
	},
}

type inspection struct {
	Claims    token.Claims `json:"claims"`
	Scope     string       `json:"scope,omitempty"`
	ExpiresAt string       `json:"expires_at,omitempty"`
	Expired   bool         `json:"expired"`
	Signature string       `json:"signature"` // "valid", "invalid", "unchecked"
}

// inspectToken decodes tok and, when key is non-nil, verifies it.
func inspectToken(tok string, key *secret.Key, now time.Time) (*inspection, error) {
	claims, err := token.Decode(tok)
	if err != nil {
		return nil, err
	}
	result := &inspection{Claims: claims, Scope: claims.Scope(), Signature: "unchecked"}
	if exp, ok := claims.ExpiresAt(); ok {
		result.ExpiresAt = time.Unix(exp, 0).UTC().Format(time.RFC3339)
		result.Expired = now.Unix() > exp
	}
	if key == nil {
		return result, nil
	}

	err = key.Use(func(b []byte) error {
		_, err := token.VerifyAt(tok, b, now)
		return err
	})
	switch {
	case err == nil, errors.Is(err, token.ErrExpiredToken):
		result.Signature = "valid"
	case errors.Is(err, token.ErrInvalidToken):
		result.Signature = "invalid"
	default:
		return nil, err
	}
	return result, nil
}

func printInspection(w io.Writer, result *inspection) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenInspectCmd)
}
