package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringPrefix marks a value that should be read from the OS keyring, as in
// "keyring:autosys/smtp".
const KeyringPrefix = "keyring:"

// SecretLookup returns the secret stored for service and user.
type SecretLookup func(service, user string) (string, error)

// KeyringLookup reads from the platform keyring.
func KeyringLookup(service, user string) (string, error) {
	secret, err := keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("no keyring entry for %s/%s", service, user)
	}
	return secret, err
}

// resolveSecrets replaces every keyring reference in cfg with the stored
// value. Plain values and disabled channels are left untouched.
func resolveSecrets(cfg *Config, lookup SecretLookup) error {
	var errs []error
	resolve := func(name string, value *string) {
		if !strings.HasPrefix(*value, KeyringPrefix) {
			return
		}
		ref := strings.TrimPrefix(*value, KeyringPrefix)
		service, user, ok := strings.Cut(ref, "/")
		if !ok || service == "" || user == "" {
			errs = append(errs, fmt.Errorf("%s: keyring reference must be keyring:service/user", name))
			return
		}
		secret, err := lookup(service, user)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*value = secret
	}

	for i := range cfg.Notify.Channels {
		ch := &cfg.Notify.Channels[i]
		if !ch.IsEnabled() {
			continue
		}
		prefix := "notify.channels[" + ch.Name + "]"
		resolve(prefix+".email.password", &ch.Email.Password)
		resolve(prefix+".telegram.bot_token", &ch.Telegram.BotToken)
		resolve(prefix+".webhook.token", &ch.Webhook.Token)
	}
	resolve("api.jwt_secret", &cfg.API.JWTSecret)
	resolve("history.dsn", &cfg.History.DSN)

	return errors.Join(errs...)
}
