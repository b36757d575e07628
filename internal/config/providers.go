package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider names accepted in the providers file.
const (
	ProviderNanoBanana = "nanobanana"
	ProviderSeedream   = "seedream"
	ProviderSora       = "sora"
	ProviderKling      = "kling"
)

// Providers is the YAML-backed provider configuration. The orchestrator
// treats endpoint URLs, credentials and model parameters as opaque values
// passed through to the matching adapter.
type Providers struct {
	// Active providers per task kind.
	ImageProvider string `yaml:"image_provider"`
	VideoProvider string `yaml:"video_provider"`

	NanoBanana NanoBananaConfig `yaml:"nanobanana"`
	Seedream   SeedreamConfig   `yaml:"seedream"`
	Sora       SoraConfig       `yaml:"sora"`
	Kling      KlingConfig      `yaml:"kling"`

	// ReferenceImages optionally points at a JSON mapping of character
	// name to pre-uploaded view URLs, attached to image submissions.
	ReferenceImages string `yaml:"reference_images,omitempty"`
}

type NanoBananaConfig struct {
	SubmitURL   string `yaml:"submit_url"`
	PollURL     string `yaml:"poll_url"`
	Key         string `yaml:"key"`
	AspectRatio string `yaml:"aspect_ratio"`
	ImageSize   string `yaml:"image_size"`
}

type SeedreamConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Key            string `yaml:"key"`
	Model          string `yaml:"model"`
	Size           string `yaml:"size"`
	ResponseFormat string `yaml:"response_format"`
	Watermark      bool   `yaml:"watermark"`
}

type SoraConfig struct {
	SubmitURL   string `yaml:"submit_url"`
	PollURL     string `yaml:"poll_url"`
	Key         string `yaml:"key"`
	AspectRatio string `yaml:"aspect_ratio"`
	Duration    string `yaml:"duration"`
	Size        string `yaml:"size"`
}

type KlingConfig struct {
	URL      string  `yaml:"url"`
	Key      string  `yaml:"key"`
	Model    string  `yaml:"model"`
	Mode     string  `yaml:"mode"`
	Duration string  `yaml:"duration"`
	CfgScale float64 `yaml:"cfg_scale"`
	Sound    string  `yaml:"sound"`
}

// LoadProviders reads and validates the providers file. Missing credentials
// for a selected provider abort startup; no task is ever submitted against a
// backend we cannot authenticate to.
func LoadProviders(path string) (*Providers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var p Providers
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}

	if p.ImageProvider == "" {
		p.ImageProvider = ProviderNanoBanana
	}
	if p.VideoProvider == "" {
		p.VideoProvider = ProviderSora
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that the selected providers are known and fully configured.
func (p *Providers) Validate() error {
	switch p.ImageProvider {
	case ProviderNanoBanana:
		if p.NanoBanana.SubmitURL == "" || p.NanoBanana.PollURL == "" {
			return fmt.Errorf("nanobanana: submit_url and poll_url are required")
		}
		if p.NanoBanana.Key == "" {
			return fmt.Errorf("nanobanana: key is required")
		}
	case ProviderSeedream:
		if p.Seedream.Endpoint == "" || p.Seedream.Model == "" {
			return fmt.Errorf("seedream: endpoint and model are required")
		}
		if p.Seedream.Key == "" {
			return fmt.Errorf("seedream: key is required")
		}
	default:
		return fmt.Errorf("unknown image provider %q", p.ImageProvider)
	}

	switch p.VideoProvider {
	case ProviderSora:
		if p.Sora.SubmitURL == "" || p.Sora.PollURL == "" {
			return fmt.Errorf("sora: submit_url and poll_url are required")
		}
		if p.Sora.Key == "" {
			return fmt.Errorf("sora: key is required")
		}
	case ProviderKling:
		if p.Kling.URL == "" {
			return fmt.Errorf("kling: url is required")
		}
		if p.Kling.Key == "" {
			return fmt.Errorf("kling: key is required")
		}
	default:
		return fmt.Errorf("unknown video provider %q", p.VideoProvider)
	}

	return nil
}
