package main

import (
	"fmt"
	"time"

	"github.com/sre-norns/verdandi/pkg/auth"
)

type TokenCmd struct {
	Subject string        `arg:"" help:"Name of the operator or worker the token is issued to"`
	Role    string        `help:"Role granted by the token" enum:"operator,worker" default:"worker"`
	TTL     time.Duration `help:"Time the token is valid for. Never expires when 0" default:"0"`
	Secret  string        `help:"Secret the API server verifies tokens with" env:"AUTH_SECRET" required:""`
}

func (c *TokenCmd) Run(cfg *commandContext) error {
	role, err := auth.ParseRole(c.Role)
	if err != nil {
		return err
	}
	authority, err := auth.NewAuthority(c.Secret)
	if err != nil {
		return err
	}

	token, err := authority.Issue(c.Subject, role, c.TTL)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	_, err = fmt.Fprintln(output, token)
	return err
}
