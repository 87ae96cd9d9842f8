// Package opprovider resolves credential template references through the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/wolfeidau/selectify/credentials"
)

const refPrefix = "op://"

type config struct {
	binary  string
	account string
	timeout time.Duration
}

// Option configures the 1Password provider.
type Option func(*config)

// WithBinary sets the path of the op executable (default "op" on PATH).
func WithBinary(path string) Option {
	return func(c *config) {
		c.binary = path
	}
}

// WithAccount selects the 1Password account for every read.
func WithAccount(account string) Option {
	return func(c *config) {
		c.account = account
	}
}

// WithTimeout bounds each `op read` call (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithOnePassword registers an "op" template function that resolves
// op://vault/item/field references with `op read`, for example the JWT secret:
//
//	{"jwt_secret": "{{ op "op://selectify/jwt/secret" }}"}
func WithOnePassword(opts ...Option) credentials.ResolverOption {
	cfg := config{binary: "op", timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, refPrefix) {
			return "", fmt.Errorf("op: reference %q must start with %s", ref, refPrefix)
		}

		ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
		defer cancel()

		args := []string{"read", "--no-newline"}
		if cfg.account != "" {
			args = append(args, "--account", cfg.account)
		}
		args = append(args, ref)

		cmd := exec.CommandContext(ctx, cfg.binary, args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
		}

		secret := strings.TrimSpace(stdout.String())
		if secret == "" {
			return "", fmt.Errorf("op read %q: empty secret", ref)
		}
		return secret, nil
	})
}
