package auth

import (
	"fmt"

	"github.com/chatcore-ai/chatcore/internal/config"
	"github.com/chatcore-ai/chatcore/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "oidc":
		return NewOIDCProvider(cfg.OIDCIssuer)
	case "builtin", "":
		return NewService(s, cfg), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
