package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/examgate/secret"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Token secret tools",
}

var secretGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print a new random token secret",
	Long:  `Prints a 32-byte random secret suitable for EXAMGATE_TOKEN_SECRET.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := secret.Generate()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), s)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretGenerateCmd)
}
