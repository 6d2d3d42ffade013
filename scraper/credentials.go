package scraper

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/use-agent/feedsnap/config"
)

// ErrNoCredentials is returned when login is enabled but no password is
// configured and the keychain holds none for the user.
var ErrNoCredentials = errors.New("no login credentials configured")

// ResolvePassword returns the configured password, falling back to the
// system keychain entry for (KeyringService, User).
func ResolvePassword(cfg config.LoginConfig) (string, error) {
	if cfg.Password != "" {
		return cfg.Password, nil
	}
	if cfg.User == "" || cfg.KeyringService == "" {
		return "", ErrNoCredentials
	}
	pass, err := keyring.Get(cfg.KeyringService, cfg.User)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoCredentials
	}
	if err != nil {
		return "", fmt.Errorf("keyring lookup: %w", err)
	}
	return pass, nil
}

// StorePassword saves the login password in the system keychain.
func StorePassword(service, user, password string) error {
	if service == "" || user == "" || password == "" {
		return errors.New("service, user and password are required")
	}
	if err := keyring.Set(service, user, password); err != nil {
		return fmt.Errorf("failed to store in keyring: %w", err)
	}
	return nil
}

// DeletePassword removes the keychain entry. A missing entry is not an error.
func DeletePassword(service, user string) error {
	err := keyring.Delete(service, user)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete from keyring: %w", err)
	}
	return nil
}
