// Command licensor runs the licensing server and the vendor-side utilities
// for secrets and license generation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "licensor",
	Short: "Software licensing server and tooling",
	Long: `licensor issues, validates and activates software licenses.

Commands:
  licensor keygen     # Create the secrets file (RSA keypair + API key)
  licensor generate   # Mint a signed license envelope
  licensor token      # Mint an admin bearer token
  licensor serve      # Start the licensing server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
