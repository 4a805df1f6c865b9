// Package pricing holds the model pricing catalog and computes job costs.
package pricing

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/clipledger/internal/domain"
)

// ModelPricing is the cost metadata and requirement rules for one model.
type ModelPricing struct {
	ID                     string             `yaml:"id" json:"id"`
	ProviderModel          string             `yaml:"provider_model" json:"provider_model"`
	BaseCredits            int64              `yaml:"base_credits" json:"base_credits"`
	CreditsPerSecond       float64            `yaml:"credits_per_second" json:"credits_per_second"`
	Durations              []int              `yaml:"durations" json:"durations"`
	DefaultDuration        int                `yaml:"default_duration" json:"default_duration"`
	ResolutionMultipliers  map[string]float64 `yaml:"resolution_multipliers" json:"resolution_multipliers"`
	DefaultResolution      string             `yaml:"default_resolution" json:"default_resolution"`
	AudioSurcharge         int64              `yaml:"audio_surcharge" json:"audio_surcharge"`
	RequiresReferenceImage bool               `yaml:"requires_reference_image" json:"requires_reference_image"`
	Tiers                  []domain.Tier      `yaml:"tiers" json:"tiers,omitempty"`
}

// Catalog is a read-only set of model pricing entries.
type Catalog struct {
	models map[string]ModelPricing
}

type catalogFile struct {
	Models []ModelPricing `yaml:"models"`
}

// LoadFile parses a YAML pricing catalog.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode pricing catalog: %w", err)
	}
	return NewCatalog(file.Models)
}

// NewCatalog validates and indexes the supplied models.
func NewCatalog(models []ModelPricing) (*Catalog, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("pricing catalog is empty")
	}
	c := &Catalog{models: make(map[string]ModelPricing, len(models))}
	for _, m := range models {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("pricing catalog: model without id")
		}
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("pricing catalog: duplicate model %q", m.ID)
		}
		if m.BaseCredits < 0 || m.CreditsPerSecond < 0 || m.AudioSurcharge < 0 {
			return nil, fmt.Errorf("pricing catalog: model %q has negative pricing", m.ID)
		}
		if len(m.Durations) == 0 {
			return nil, fmt.Errorf("pricing catalog: model %q lists no durations", m.ID)
		}
		if m.DefaultDuration == 0 {
			m.DefaultDuration = m.Durations[0]
		}
		if len(m.ResolutionMultipliers) == 0 {
			return nil, fmt.Errorf("pricing catalog: model %q lists no resolutions", m.ID)
		}
		if m.DefaultResolution == "" {
			m.DefaultResolution = "720p"
		}
		if _, ok := m.ResolutionMultipliers[m.DefaultResolution]; !ok {
			return nil, fmt.Errorf("pricing catalog: model %q default resolution %q not priced", m.ID, m.DefaultResolution)
		}
		if m.ProviderModel == "" {
			m.ProviderModel = m.ID
		}
		c.models[m.ID] = m
	}
	return c, nil
}

// Lookup returns the pricing for a model id.
func (c *Catalog) Lookup(id string) (ModelPricing, bool) {
	m, ok := c.models[strings.TrimSpace(id)]
	return m, ok
}

// Models returns all entries ordered by id.
func (c *Catalog) Models() []ModelPricing {
	out := make([]ModelPricing, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Default returns the built-in catalog used when no pricing file is configured.
func Default() *Catalog {
	c, err := NewCatalog([]ModelPricing{
		{
			ID:                    "clip-fast",
			ProviderModel:         "clip-fast-v1",
			BaseCredits:           4,
			Durations:             []int{5, 8},
			DefaultDuration:       5,
			ResolutionMultipliers: map[string]float64{"480p": 1, "720p": 1, "1080p": 1.5},
			DefaultResolution:     "720p",
			AudioSurcharge:        1,
		},
		{
			ID:                     "clip-animate",
			ProviderModel:          "clip-i2v-v1",
			BaseCredits:            6,
			Durations:              []int{5},
			ResolutionMultipliers:  map[string]float64{"720p": 1, "1080p": 2},
			DefaultResolution:      "720p",
			RequiresReferenceImage: true,
		},
		{
			ID:                    "clip-pro",
			ProviderModel:         "clip-pro-v2",
			BaseCredits:           5,
			CreditsPerSecond:      1,
			Durations:             []int{5, 8, 10},
			DefaultDuration:       8,
			ResolutionMultipliers: map[string]float64{"720p": 1, "1080p": 2},
			DefaultResolution:     "1080p",
			AudioSurcharge:        2,
			Tiers:                 []domain.Tier{domain.TierPro},
		},
	})
	if err != nil {
		panic(err)
	}
	return c
}
