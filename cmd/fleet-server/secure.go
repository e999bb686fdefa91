package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlas-fleet/atlas/internal/config"
	"github.com/atlas-fleet/atlas/internal/crypto"
)

// secureConfigCmd writes the security section to the encrypted secrets file.
// Missing secrets are generated so one invocation produces a usable set.
func secureConfigCmd() *cobra.Command {
	var (
		configPath string
		outPath    string
	)
	cmd := &cobra.Command{
		Use:   "secure-config",
		Short: "Encrypt the security secrets to a passphrase-protected file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			sec := cfg.Security
			for _, slot := range []*string{&sec.APIKey, &sec.SharedSecret, &sec.EncryptionKey} {
				if *slot != "" {
					continue
				}
				generated, err := crypto.GenerateSecret()
				if err != nil {
					return err
				}
				*slot = generated
			}

			passphrase, err := readPassword()
			if err != nil {
				return err
			}
			if err := config.SaveSecure(outPath, passphrase, sec); err != nil {
				return err
			}
			if outPath == "" {
				outPath = config.DefaultSecurePath()
			}
			fmt.Printf("Secrets written to %s. Set FLEET_CONFIG_PASSPHRASE to use them.\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&outPath, "out", "", "encrypted secrets file (default ~/.fleet-config.json.encrypted)")
	return cmd
}
