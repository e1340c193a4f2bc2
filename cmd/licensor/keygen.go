package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"licensor/internal/crypto"
)

var (
	keygenBits       int
	keygenOut        string
	keygenPassphrase string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create the secrets file with a fresh RSA keypair and API key",
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().IntVar(&keygenBits, "bits", 2048, "RSA key size")
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "secrets.lic", "Secrets file path")
	keygenCmd.Flags().StringVarP(&keygenPassphrase, "passphrase", "p", "", "Passphrase protecting the secrets file")
	keygenCmd.MarkFlagRequired("passphrase")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	secrets, err := crypto.NewSecrets(keygenBits)
	if err != nil {
		return fmt.Errorf("generate secrets: %w", err)
	}
	if err := crypto.SaveSecretsFile(keygenOut, keygenPassphrase, secrets); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	fmt.Printf("secrets written to %s\napi key: %s\n", keygenOut, secrets.APIKey)
	return nil
}
