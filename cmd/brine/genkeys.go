package main

import (
	"fmt"

	"github.com/cuemby/brine/pkg/security"
	"github.com/spf13/cobra"
)

var genKeysCmd = &cobra.Command{
	Use:   "gen-keys",
	Short: "Generate an RSA identity keypair",
	Long: `Generate NAME.pem and NAME.pub in the given directory. An existing
keypair is kept and its fingerprint printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		name, _ := cmd.Flags().GetString("name")
		size, _ := cmd.Flags().GetInt("keysize")

		kp, err := security.EnsureKeypair(dir, name, size)
		if err != nil {
			return fmt.Errorf("failed to generate keys: %v", err)
		}
		pem, err := kp.PublicPEM()
		if err != nil {
			return err
		}
		finger, err := security.Fingerprint(pem)
		if err != nil {
			return err
		}

		priv, pub := security.KeyPaths(dir, name)
		fmt.Println("✓ Keypair ready")
		fmt.Printf("  Private: %s\n", priv)
		fmt.Printf("  Public: %s\n", pub)
		fmt.Printf("  Fingerprint: %s\n", finger)
		return nil
	},
}

func init() {
	genKeysCmd.Flags().String("dir", ".", "Directory to write the keypair to")
	genKeysCmd.Flags().String("name", "minion", "Keypair base name")
	genKeysCmd.Flags().Int("keysize", 2048, "RSA key size in bits")
}
