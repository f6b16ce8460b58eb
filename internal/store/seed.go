package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// Seed is the YAML layout of a seed file.
type Seed struct {
	Requirements []types.RequirementSnapshot `yaml:"requirements"`
	Plans        []types.Plan                `yaml:"plans"`
	Evidence     []types.Evidence            `yaml:"evidence"`
}

// Stores groups the three in-memory stores.
type Stores struct {
	Plans        *Plans
	Evidence     *Evidence
	Requirements *Requirements
}

// NewStores creates empty stores.
func NewStores() *Stores {
	return &Stores{
		Plans:        NewPlans(),
		Evidence:     NewEvidence(),
		Requirements: NewRequirements(),
	}
}

// LoadSeedFile parses path and loads it into s.
func (s *Stores) LoadSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed %s: %w", path, err)
	}
	return s.Load(ctx, seed)
}

// Load inserts the seed records. Plans must reference a known requirement.
func (s *Stores) Load(ctx context.Context, seed Seed) error {
	for _, r := range seed.Requirements {
		if err := s.Requirements.Create(ctx, r); err != nil {
			return err
		}
	}
	for _, p := range seed.Plans {
		if p.RequirementID != "" {
			if _, err := s.Requirements.Get(ctx, p.RequirementID); err != nil {
				return fmt.Errorf("plan %s: %w", p.ID, err)
			}
		}
		if p.Status == types.PlanGenerating {
			// nothing is generating right after a load
			p.Status = types.PlanDraft
		}
		if _, err := s.Plans.Create(ctx, p); err != nil {
			return err
		}
	}
	for _, e := range seed.Evidence {
		if _, err := s.Evidence.Create(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
