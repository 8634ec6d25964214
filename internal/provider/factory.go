package provider

import (
	"git.home.luguber.info/inful/riskbuilder/internal/config"
	ferrors "git.home.luguber.info/inful/riskbuilder/internal/foundation/errors"
)

// New creates the client for the configured CI provider.
func New(cfg config.ProviderConfig) (Client, error) {
	switch cfg.Kind {
	case config.ProviderGitHub:
		return NewGitHub(cfg)
	default:
		return nil, ferrors.ConfigError("unsupported CI provider kind").
			WithContext("kind", string(cfg.Kind)).Build()
	}
}

// NewSetFromConfig builds the provider set workers resolve tasks against.
func NewSetFromConfig(cfg config.ProviderConfig) (*Set, error) {
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	set := NewSet()
	set.Add(client)
	return set, nil
}
