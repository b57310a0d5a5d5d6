package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/opswire/internal/identity"
)

// ResolveOperator builds the operator identity. A token (inline or from
// token_file) supplies any id, name or role not set explicitly.
func (c *Config) ResolveOperator() (identity.Operator, error) {
	op := identity.Operator{
		ID:    strings.TrimSpace(c.Operator.ID),
		Name:  strings.TrimSpace(c.Operator.Name),
		Role:  strings.TrimSpace(c.Operator.Role),
		Token: strings.TrimSpace(c.Operator.Token),
	}

	if op.Token == "" && strings.TrimSpace(c.Operator.TokenFile) != "" {
		data, err := os.ReadFile(ExpandUserPath(strings.TrimSpace(c.Operator.TokenFile)))
		if err != nil {
			return identity.Operator{}, fmt.Errorf("read token file: %w", err)
		}
		op.Token = strings.TrimSpace(string(data))
	}

	if op.Token != "" {
		claims, err := identity.FromToken(op.Token)
		if err != nil {
			return identity.Operator{}, err
		}
		if op.ID == "" {
			op.ID = claims.ID
		}
		if op.Name == "" {
			op.Name = claims.Name
		}
		if op.Role == "" {
			op.Role = claims.Role
		}
	}

	if !op.Valid() {
		return identity.Operator{}, fmt.Errorf("operator id is required (set operator.id or provide a token)")
	}
	if op.Name == "" {
		op.Name = op.ID
	}
	return op, nil
}
