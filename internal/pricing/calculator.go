package pricing

import (
	"math"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/punchamoorthee/clipledger/internal/domain"
)

const maxPromptRunes = 2000

var aspectRatios = []string{"16:9", "9:16", "1:1"}

// Quote is the result of pricing a request.
type Quote struct {
	Model   ModelPricing
	Config  domain.JobConfig
	Credits int64
}

// Calculate validates cfg against the catalog and returns the credits to charge.
// The returned config has defaults filled in. All failures are validation errors.
func (c *Catalog) Calculate(tier domain.Tier, cfg domain.JobConfig) (Quote, error) {
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.Prompt = strings.TrimSpace(cfg.Prompt)
	cfg.ReferenceImageURL = strings.TrimSpace(cfg.ReferenceImageURL)

	if cfg.Model == "" {
		return Quote{}, domain.Errorf(domain.KindValidation, "model is required")
	}
	m, ok := c.Lookup(cfg.Model)
	if !ok {
		return Quote{}, domain.Errorf(domain.KindValidation, "unknown model %q", cfg.Model)
	}
	if len(m.Tiers) > 0 && !slices.Contains(m.Tiers, tier) {
		return Quote{}, domain.Errorf(domain.KindValidation, "model %q is not available on the %s tier", m.ID, tier)
	}
	if cfg.Prompt == "" {
		return Quote{}, domain.Errorf(domain.KindValidation, "prompt is required")
	}
	if utf8.RuneCountInString(cfg.Prompt) > maxPromptRunes {
		return Quote{}, domain.Errorf(domain.KindValidation, "prompt exceeds %d characters", maxPromptRunes)
	}
	if cfg.ReferenceImageURL != "" {
		u, err := url.Parse(cfg.ReferenceImageURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Quote{}, domain.Errorf(domain.KindValidation, "reference_image_url must be an absolute http(s) URL")
		}
	}
	if m.RequiresReferenceImage && cfg.ReferenceImageURL == "" {
		return Quote{}, domain.Errorf(domain.KindValidation, "model %q requires a reference image", m.ID)
	}

	if cfg.DurationSeconds == 0 {
		cfg.DurationSeconds = m.DefaultDuration
	}
	if !slices.Contains(m.Durations, cfg.DurationSeconds) {
		return Quote{}, domain.Errorf(domain.KindValidation, "duration %ds is not offered for model %q", cfg.DurationSeconds, m.ID)
	}
	if cfg.Resolution == "" {
		cfg.Resolution = m.DefaultResolution
	}
	multiplier, ok := m.ResolutionMultipliers[cfg.Resolution]
	if !ok {
		return Quote{}, domain.Errorf(domain.KindValidation, "resolution %q is not offered for model %q", cfg.Resolution, m.ID)
	}
	if cfg.AspectRatio == "" {
		cfg.AspectRatio = aspectRatios[0]
	}
	if !slices.Contains(aspectRatios, cfg.AspectRatio) {
		return Quote{}, domain.Errorf(domain.KindValidation, "unsupported aspect_ratio %q", cfg.AspectRatio)
	}

	credits := Cost(m, cfg.DurationSeconds, multiplier, cfg.GenerateAudio)
	if credits <= 0 {
		return Quote{}, domain.Errorf(domain.KindValidation, "model %q prices to %d credits", m.ID, credits)
	}
	return Quote{Model: m, Config: cfg, Credits: credits}, nil
}

// Cost is the pure pricing formula:
// ceil((base + perSecond*duration) * resolutionMultiplier) + audio surcharge.
func Cost(m ModelPricing, durationSeconds int, resolutionMultiplier float64, audio bool) int64 {
	raw := (float64(m.BaseCredits) + m.CreditsPerSecond*float64(durationSeconds)) * resolutionMultiplier
	credits := int64(math.Ceil(raw - 1e-9))
	if audio {
		credits += m.AudioSurcharge
	}
	return credits
}
