package scoring

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/planforge/pkg/types"
)

const (
	DefaultMaxResults   = 20
	MaxMaxResults       = 100
	DefaultMinRelevance = 0.5
)

// EvidenceSource fetches raw candidate evidence for a query.
type EvidenceSource interface {
	Name() string
	Fetch(ctx context.Context, query string) ([]types.Evidence, error)
}

// SearchRequest parameters for SearchAndRank.
type SearchRequest struct {
	Query        string       `json:"query"`
	PlanID       types.PlanID `json:"plan_id,omitempty"`
	Sources      []string     `json:"sources,omitempty"` // restrict to these source names; empty = all
	MinRelevance float64      `json:"min_relevance"`
	MaxResults   int          `json:"max_results"`
}

// NewSearchRequest returns a request carrying the default thresholds.
func NewSearchRequest(query string) SearchRequest {
	return SearchRequest{
		Query:        query,
		MinRelevance: DefaultMinRelevance,
		MaxResults:   DefaultMaxResults,
	}
}

// Ranked is one search hit. Evidence carries the freshly computed scores.
type Ranked struct {
	Evidence types.Evidence `json:"evidence"`
	Scores   Scores         `json:"scores"`
	Source   string         `json:"source"`
}

// SearchAndRank fetches candidates from every selected source concurrently,
// scores them, drops those below MinRelevance or attached to a plan other
// than PlanID, and returns at most MaxResults
// ordered by overall, authority, then timeliness (all descending).
func (e *Engine) SearchAndRank(ctx context.Context, req SearchRequest, sources []EvidenceSource) ([]Ranked, error) {
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if maxResults > MaxMaxResults {
		maxResults = MaxMaxResults
	}
	minRel := clamp01(req.MinRelevance)

	selected := selectSources(sources, req.Sources)
	batches := make([][]types.Evidence, len(selected))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range selected {
		i, src := i, src // per-iteration copies (pre-Go 1.22 loop semantics)
		g.Go(func() error {
			items, err := src.Fetch(gctx, req.Query)
			if err != nil {
				return fmt.Errorf("evidence source %q: %w", src.Name(), err)
			}
			batches[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var ranked []Ranked
	for i, items := range batches {
		for _, ev := range items {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			// a plan-scoped search never returns another plan's evidence
			if req.PlanID != "" && ev.PlanID != "" && ev.PlanID != req.PlanID {
				continue
			}
			s, err := e.Evaluate(ev, req.Query)
			if err != nil {
				// candidates without identity cannot be persisted or cited
				continue
			}
			seen[ev.ID] = struct{}{}
			if s.Relevance < minRel {
				continue
			}
			if req.PlanID != "" && ev.PlanID == "" {
				ev.PlanID = req.PlanID
			}
			ev.Relevance, ev.Authority, ev.Timeliness = s.Relevance, s.Authority, s.Timeliness
			ranked = append(ranked, Ranked{Evidence: ev, Scores: s, Source: selected[i].Name()})
		}
	}

	SortRanked(ranked)
	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	return ranked, nil
}

// SortRanked orders by overall desc, authority desc, timeliness desc. Stable, so
// equal items keep source order.
func SortRanked(items []Ranked) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Scores, items[j].Scores
		if a.Overall != b.Overall {
			return a.Overall > b.Overall
		}
		if a.Authority != b.Authority {
			return a.Authority > b.Authority
		}
		return a.Timeliness > b.Timeliness
	})
}

func selectSources(all []EvidenceSource, names []string) []EvidenceSource {
	if len(names) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	var out []EvidenceSource
	for _, s := range all {
		if _, ok := want[strings.ToLower(s.Name())]; ok {
			out = append(out, s)
		}
	}
	return out
}

// StaticSource serves a fixed candidate list. Used for catalog files and tests.
type StaticSource struct {
	name  string
	items []types.Evidence
}

// NewStaticSource builds a StaticSource.
func NewStaticSource(name string, items []types.Evidence) *StaticSource {
	return &StaticSource{name: name, items: items}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Fetch(ctx context.Context, _ string) ([]types.Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.Evidence, len(s.items))
	copy(out, s.items)
	return out, nil
}
