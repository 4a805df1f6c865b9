package pricing

import (
	"strings"
	"testing"

	"github.com/punchamoorthee/clipledger/internal/domain"
)

func TestCalculateDefaultCatalog(t *testing.T) {
	c := Default()
	tests := []struct {
		name string
		tier domain.Tier
		cfg  domain.JobConfig
		want int64
	}{
		{"base price", domain.TierFree, domain.JobConfig{Model: "clip-fast", Prompt: "a cat"}, 4},
		{"hd multiplier rounds up", domain.TierFree, domain.JobConfig{Model: "clip-fast", Prompt: "a cat", Resolution: "1080p"}, 6},
		{"audio surcharge", domain.TierFree, domain.JobConfig{Model: "clip-fast", Prompt: "a cat", GenerateAudio: true}, 5},
		{"per second", domain.TierPro, domain.JobConfig{Model: "clip-pro", Prompt: "a cat", DurationSeconds: 10, Resolution: "720p"}, 15},
		{"reference image", domain.TierFree, domain.JobConfig{Model: "clip-animate", Prompt: "wave", ReferenceImageURL: "https://cdn.example/a.png"}, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := c.Calculate(tt.tier, tt.cfg)
			if err != nil {
				t.Fatalf("Calculate: %v", err)
			}
			if q.Credits != tt.want {
				t.Fatalf("credits = %d, want %d", q.Credits, tt.want)
			}
		})
	}
}

func TestCalculateFillsDefaults(t *testing.T) {
	q, err := Default().Calculate(domain.TierFree, domain.JobConfig{Model: " clip-fast ", Prompt: "  sunrise "})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if q.Config.DurationSeconds != 5 || q.Config.Resolution != "720p" || q.Config.AspectRatio != "16:9" {
		t.Fatalf("defaults not applied: %+v", q.Config)
	}
	if q.Config.Prompt != "sunrise" || q.Config.Model != "clip-fast" {
		t.Fatalf("fields not trimmed: %+v", q.Config)
	}
}

func TestCalculateValidation(t *testing.T) {
	c := Default()
	tests := []struct {
		name string
		tier domain.Tier
		cfg  domain.JobConfig
	}{
		{"missing model", domain.TierFree, domain.JobConfig{Prompt: "x"}},
		{"unknown model", domain.TierFree, domain.JobConfig{Model: "nope", Prompt: "x"}},
		{"empty prompt", domain.TierFree, domain.JobConfig{Model: "clip-fast", Prompt: "  "}},
		{"long prompt", domain.TierFree, domain.JobConfig{Model: "clip-fast", Prompt: strings.Repeat("a", 2001)}},
		{"bad duration", domain.TierFree, domain.JobConfig{Model: "clip-fast", Prompt: "x", DurationSeconds: 7}},
		{"bad resolution", domain.TierFree, domain.JobConfig{Model: "clip-fast", Prompt: "x", Resolution: "4k"}},
		{"bad aspect", domain.TierFree, domain.JobConfig{Model: "clip-fast", Prompt: "x", AspectRatio: "4:3"}},
		{"reference required", domain.TierFree, domain.JobConfig{Model: "clip-animate", Prompt: "x"}},
		{"reference not url", domain.TierFree, domain.JobConfig{Model: "clip-animate", Prompt: "x", ReferenceImageURL: "file:///etc/passwd"}},
		{"tier restricted", domain.TierFree, domain.JobConfig{Model: "clip-pro", Prompt: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Calculate(tt.tier, tt.cfg)
			if domain.KindOf(err) != domain.KindValidation {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}

func TestParseCatalog(t *testing.T) {
	data := []byte(`
models:
  - id: tiny
    base_credits: 2
    durations: [4]
    resolution_multipliers:
      720p: 1
`)
	c, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, ok := c.Lookup("tiny")
	if !ok {
		t.Fatal("model tiny missing")
	}
	if m.ProviderModel != "tiny" || m.DefaultDuration != 4 || m.DefaultResolution != "720p" {
		t.Fatalf("defaults not applied: %+v", m)
	}
	if len(c.Models()) != 1 {
		t.Fatalf("Models() = %d entries", len(c.Models()))
	}
}

func TestParseCatalogRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"empty":        "models: []",
		"duplicate":    "models:\n  - {id: a, durations: [5], resolution_multipliers: {720p: 1}}\n  - {id: a, durations: [5], resolution_multipliers: {720p: 1}}",
		"no durations": "models:\n  - {id: a, resolution_multipliers: {720p: 1}}",
		"negative":     "models:\n  - {id: a, base_credits: -1, durations: [5], resolution_multipliers: {720p: 1}}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
