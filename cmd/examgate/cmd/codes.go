package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/examgate/config"
	"github.com/jmcleod/examgate/gate"
	"github.com/jmcleod/examgate/mail"
)

var (
	issueCodeValue string
	issueCodeTTL   time.Duration
)

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "Administrator code management",
	Long:  `Commands for provisioning the administrator codes that grant pre-access.`,
}

var codesIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Provision an administrator pre-access code",
	Long: `Stores the hash of an administrator code in the configured store and
prints the plaintext code once. A random code is generated unless --code is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg.Store == config.StoreMemory {
			return fmt.Errorf("codes issued to the memory store are lost on exit; set EXAMGATE_STORE")
		}
		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
		pc, err := issueCode(cmd.Context(), cfg, issueCodeValue, issueCodeTTL, logger)
		if err != nil {
			return err
		}
		printIssuedCode(cmd.OutOrStdout(), pc)
		return nil
	},
}

// issueCode provisions an administrator code in the store selected by cfg.
func issueCode(ctx context.Context, cfg *config.Config, code string, ttl time.Duration, logger *slog.Logger) (*gate.ProvisionedCode, error) {
	store, closeFn, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeStore(closeFn, logger)

	key, err := loadSecret(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load token secret: %w", err)
	}
	defer key.Destroy()

	svc, err := gate.New(store, &mail.LogMailer{Logger: logger}, key, gate.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return svc.ProvisionCode(ctx, code, ttl)
}

func printIssuedCode(w io.Writer, pc *gate.ProvisionedCode) {
	fmt.Fprintf(w, "code:       %s\n", pc.Code)
	fmt.Fprintf(w, "key hash:   %s\n", pc.KeyHash)
	fmt.Fprintf(w, "expires at: %s\n", pc.ExpiresAt.UTC().Format(time.RFC3339))
}

func init() {
	rootCmd.AddCommand(codesCmd)
	codesCmd.AddCommand(codesIssueCmd)
	codesIssueCmd.Flags().StringVar(&issueCodeValue, "code", "", "Code to provision (default: random)")
	codesIssueCmd.Flags().DurationVar(&issueCodeTTL, "ttl", gate.DefaultCodeTTL, "Code lifetime (1m to 720h)")
}
