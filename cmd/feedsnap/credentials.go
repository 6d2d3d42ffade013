package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/use-agent/feedsnap/config"
	"github.com/use-agent/feedsnap/scraper"
)

func newCredentialsCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the login password in the system keychain",
	}
	cmd.PersistentFlags().StringVarP(&user, "user", "u", "", "Login user (default from config)")

	resolve := func() (*config.Config, string, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, "", err
		}
		if user == "" {
			user = cfg.Login.User
		}
		if user == "" {
			return nil, "", fmt.Errorf("no user: pass --user or set FEEDSNAP_USER")
		}
		return cfg, user, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the password for the login user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, user, err := resolve()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s: ", user)
			password, err := readPassword()
			if err != nil {
				return err
			}
			if err := scraper.StorePassword(cfg.Login.KeyringService, user, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "stored in keychain service %q\n", cfg.Login.KeyringService)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the stored password",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, user, err := resolve()
			if err != nil {
				return err
			}
			return scraper.DeletePassword(cfg.Login.KeyringService, user)
		},
	})
	return cmd
}

// readPassword reads without echo from a terminal, or a line from piped input.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
