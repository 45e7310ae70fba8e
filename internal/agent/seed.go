package agent

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"agent-gateway/internal/model"
	"agent-gateway/internal/store"
)

// Seed is the content of an agents file: agents and assets imported into
// an empty store on first start.
type Seed struct {
	Agents []*model.Agent `yaml:"agents"`
	Assets []*model.Asset `yaml:"assets"`
}

// LoadSeedFile reads an agents file. Agents and assets without an ID get
// a generated one.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	for i, a := range seed.Agents {
		if a == nil || a.Protocol == "" {
			return nil, fmt.Errorf("agents file %s: agent %d has no protocol", path, i)
		}
		if a.ID == "" {
			a.ID = store.NewID()
		}
		a.Config = normalizeConfig(a.Config)
	}
	for i, as := range seed.Assets {
		if as == nil {
			return nil, fmt.Errorf("agents file %s: asset %d is empty", path, i)
		}
		if as.ID == "" {
			as.ID = store.NewID()
		}
		for _, attr := range as.Attributes {
			if v, err := model.Normalize(attr.Value); err == nil {
				attr.Value = v
			}
			for j := range attr.Meta {
				if v, err := model.Normalize(attr.Meta[j].Value); err == nil {
					attr.Meta[j].Value = v
				}
			}
		}
	}
	return &seed, nil
}

// normalizeConfig converts YAML-decoded values to their JSON shapes so
// config reads the same before and after a store round trip.
func normalizeConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	v, err := model.Normalize(cfg)
	if err != nil {
		return cfg
	}
	m, ok := v.(map[string]any)
	if !ok {
		return cfg
	}
	return m
}

// ApplySeed imports seed into st unless the store was seeded before.
// It reports whether anything was imported.
func ApplySeed(st store.Store, seed *Seed, source string, logger *slog.Logger) (bool, error) {
	seeded, err := st.Seeded()
	if err != nil {
		return false, err
	}
	if seeded {
		logger.Debug("store already seeded, skipping agents file", "path", source)
		return false, nil
	}
	for _, a := range seed.Agents {
		if err := st.SaveAgent(a); err != nil {
			return false, fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
	}
	for _, as := range seed.Assets {
		if err := st.SaveAsset(as); err != nil {
			return false, fmt.Errorf("seed asset %s: %w", as.ID, err)
		}
	}
	if err := st.MarkSeeded(source); err != nil {
		return false, err
	}
	logger.Info("agents file imported", "path", source, "agents", len(seed.Agents), "assets", len(seed.Assets))
	return true, nil
}
