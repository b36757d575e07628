package provider

import (
	"fmt"

	"github.com/stagehand/stagehand-agent/internal/config"
)

// NewRegistryFromConfig builds adapters for the providers selected in the
// configuration and registers them as the active backends for their kinds.
func NewRegistryFromConfig(cfg *config.Providers) (*Registry, error) {
	r := NewRegistry()

	switch cfg.ImageProvider {
	case config.ProviderNanoBanana:
		r.Register(NewNanoBanana(cfg.NanoBanana))
	case config.ProviderSeedream:
		r.Register(NewSeedream(cfg.Seedream))
	default:
		return nil, fmt.Errorf("unknown image provider %q", cfg.ImageProvider)
	}

	switch cfg.VideoProvider {
	case config.ProviderSora:
		r.Register(NewSora(cfg.Sora))
	case config.ProviderKling:
		r.Register(NewKling(cfg.Kling))
	default:
		return nil, fmt.Errorf("unknown video provider %q", cfg.VideoProvider)
	}

	return r, nil
}
