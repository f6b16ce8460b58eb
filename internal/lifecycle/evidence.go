package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/internal/store"
	"github.com/ChuLiYu/planforge/pkg/types"
)

// EvaluateEvidence scores one item against query and persists the scores.
// This is the only path that writes evidence scores.
func (c *Controller) EvaluateEvidence(ctx context.Context, id, query string) (scoring.Scores, error) {
	ev, err := c.getEvidence(ctx, id)
	if err != nil {
		return scoring.Scores{}, err
	}
	s, err := c.engine.Evaluate(ev, query)
	if err != nil {
		return scoring.Scores{}, err
	}
	if err := c.evidence.ApplyScores(ctx, id, s); err != nil {
		return scoring.Scores{}, fmt.Errorf("store scores of %s: %w", id, err)
	}
	c.metrics.RecordEvaluation()
	c.log.Debug("Evidence evaluated", "evidence", id, "overall", s.Overall)
	return s, nil
}

// SearchEvidence ranks candidates from the configured sources. Nothing is
// persisted; callers evaluate the items they keep.
func (c *Controller) SearchEvidence(ctx context.Context, req scoring.SearchRequest) ([]scoring.Ranked, error) {
	if req.PlanID != "" {
		if _, err := c.getPlan(ctx, req.PlanID); err != nil {
			return nil, err
		}
	}
	ranked, err := c.engine.SearchAndRank(ctx, req, c.sources)
	if err != nil {
		return nil, err
	}
	c.log.Debug("Evidence search", "query", req.Query, "plan", req.PlanID, "hits", len(ranked))
	return ranked, nil
}

// UpdateEvidence changes descriptive attributes. Scores are not part of the
// update contract.
func (c *Controller) UpdateEvidence(ctx context.Context, id string, u types.EvidenceUpdate) (types.Evidence, error) {
	ev, err := c.evidence.Update(ctx, id, u)
	if err != nil {
		return types.Evidence{}, c.mapEvidenceErr(err, id)
	}
	return ev, nil
}

// RecordUsage appends a citation record for evidence id.
func (c *Controller) RecordUsage(ctx context.Context, id string, usage types.EvidenceUsage) error {
	if _, err := c.getPlan(ctx, usage.PlanID); err != nil {
		return err
	}
	if err := c.evidence.AppendUsage(ctx, id, usage); err != nil {
		return c.mapEvidenceErr(err, id)
	}
	return nil
}

func (c *Controller) getEvidence(ctx context.Context, id string) (types.Evidence, error) {
	ev, err := c.evidence.Get(ctx, id)
	if err != nil {
		return types.Evidence{}, c.mapEvidenceErr(err, id)
	}
	return ev, nil
}

func (c *Controller) mapEvidenceErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrEvidenceNotFound, id)
	}
	return err
}
