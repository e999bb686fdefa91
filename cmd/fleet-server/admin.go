package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/atlas-fleet/atlas/internal/auth"
	"github.com/atlas-fleet/atlas/internal/config"
	"github.com/atlas-fleet/atlas/internal/store"
)

// createAdminCmd bootstraps the first admin account. It refuses to run once
// any user exists; later accounts are created through the dashboard.
func createAdminCmd() *cobra.Command {
	var (
		configPath string
		dbPath     string
		username   string
	)
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create the initial admin account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Server.DBPath = dbPath
			}
			db, err := store.Open(cfg.Server.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if username == "" {
				fmt.Print("Username: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil {
					return err
				}
				username = strings.TrimSpace(line)
			}
			password, err := readPassword()
			if err != nil {
				return err
			}

			mgr := auth.NewManager(db, db)
			if _, err := mgr.CreateFirstUser(username, password); err != nil {
				return err
			}
			fmt.Printf("Admin user %q created.\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "BoltDB path")
	cmd.Flags().StringVar(&username, "username", "", "admin username")
	return cmd
}

func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Print("Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(pw) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(pw), nil
}
