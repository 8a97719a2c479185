package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the ember API endpoint used by all commands.
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "ember",
	Short: "ember — deploy Git branches as containers",
	Long: `ember is a CLI for the ember deployment server: every push to a
matched branch becomes a running container behind its own subdomain.

Common workflow:

  ember status <project>                    # project + recent deployments
  ember deploy <project> -b main            # trigger a deployment
  ember logs <project> <deployment>         # follow a deployment's logs
  ember cancel <project> <deployment>       # abort a queued/running deploy
  ember rollback <project> [environment]    # swap an alias back
  ember pause <project> / resume <project>  # gate webhook deployments
  ember domains <project>                   # list custom domains`,
}

func init() {
	def := os.Getenv("EMBER_SERVER")
	if def == "" {
		def = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", def, "ember server URL")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("cli error: %w", err)
	}
	return nil
}
