package agent

import (
	"errors"
	"fmt"
	"os"

	"github.com/cswenor/conductor/internal/common/config"
)

// Credential modes.
const (
	CredentialModeNone         = "none"
	CredentialModeAIProvider   = "ai_provider"
	CredentialModeInstallation = "github_installation"
)

// ErrNotConfigured distinguishes missing credentials from runtime agent
// failures; runs seeing it transition to blocked rather than retrying.
var ErrNotConfigured = errors.New("api key not configured")

// Credentials is one resolved credential set.
type Credentials struct {
	Mode     string
	Provider string // ai_provider
	APIKey   string // ai_provider
	Token    string // github_installation
}

// CredentialResolver resolves per-step credentials.
type CredentialResolver interface {
	// ResolveAI returns provider credentials for agent steps.
	ResolveAI() (*Credentials, error)
	// ResolveInstallation returns an upstream token for outbox writes.
	ResolveInstallation() (*Credentials, error)
}

// EnvCredentialResolver reads credentials from the environment, keyed by
// the configured provider.
type EnvCredentialResolver struct {
	cfg config.Agents
}

// NewEnvCredentialResolver creates a resolver over the agents config.
func NewEnvCredentialResolver(cfg config.Agents) *EnvCredentialResolver {
	return &EnvCredentialResolver{cfg: cfg}
}

func (r *EnvCredentialResolver) ResolveAI() (*Credentials, error) {
	switch r.cfg.Provider {
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("%w: ANTHROPIC_API_KEY is not set", ErrNotConfigured)
		}
		return &Credentials{Mode: CredentialModeAIProvider, Provider: "anthropic", APIKey: key}, nil
	case "":
		return &Credentials{Mode: CredentialModeNone}, nil
	default:
		return nil, &Error{Kind: ErrKindUnsupported, Message: fmt.Sprintf("unsupported provider %q", r.cfg.Provider)}
	}
}

func (r *EnvCredentialResolver) ResolveInstallation() (*Credentials, error) {
	token := os.Getenv("CONDUCTOR_GITHUB_TOKEN")
	if token == "" {
		return &Credentials{Mode: CredentialModeNone}, nil
	}
	return &Credentials{Mode: CredentialModeInstallation, Token: token}, nil
}
