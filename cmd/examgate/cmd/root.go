package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/examgate/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "examgate",
	Short: "Examgate is a gated access token service",
	Long: `A gated access token service: admin codes grant pre-access, pre-access
grants an emailed one-time key, and the key unlocks the exam.
Complete documentation is available at https://github.com/jmcleod/examgate`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if envFile != "" {
			config.LoadDotEnv(envFile)
		} else {
			config.LoadDotEnv()
		}
	},
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (default .env)")
}
