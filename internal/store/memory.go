// Package store holds in-memory plan, evidence and requirement stores. They
// stand in for the persistence layer that owns those entities and expose only
// the explicit update contracts the lifecycle controller needs.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/planforge/internal/scoring"
	"github.com/ChuLiYu/planforge/pkg/types"
)

var (
	// ErrNotFound is returned for an unknown id.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned when creating an id that is already present.
	ErrExists = errors.New("store: already exists")
	// ErrInvalid is returned for a record without an id.
	ErrInvalid = errors.New("store: invalid record")
)

// ============================================================================
// Plans
// ============================================================================

// Plans is an in-memory plan store.
type Plans struct {
	mu    sync.RWMutex
	plans map[types.PlanID]*types.Plan
	now   func() time.Time
}

// NewPlans creates an empty plan store.
func NewPlans() *Plans {
	return &Plans{plans: make(map[types.PlanID]*types.Plan), now: time.Now}
}

// Create adds a plan. A blank status becomes draft; completion score and
// revision always start at zero.
func (s *Plans) Create(_ context.Context, plan types.Plan) (types.Plan, error) {
	if plan.ID == "" {
		return types.Plan{}, fmt.Errorf("%w: empty plan id", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return types.Plan{}, fmt.Errorf("%w: plan %s", ErrExists, plan.ID)
	}
	p := clonePlan(plan)
	if p.Status == "" {
		p.Status = types.PlanDraft
	}
	p.CompletionScore = 0
	p.Revision = 0
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.plans[p.ID] = &p
	return clonePlan(p), nil
}

// Get returns a copy of the plan.
func (s *Plans) Get(_ context.Context, id types.PlanID) (types.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[id]
	if !ok {
		return types.Plan{}, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	return clonePlan(*p), nil
}

// List returns every plan ordered by id.
func (s *Plans) List(_ context.Context) []types.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, clonePlan(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateContent replaces the structured content and bumps the revision. Status
// and completion score are never touched here.
func (s *Plans) UpdateContent(_ context.Context, id types.PlanID, content types.PlanContent) (types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return types.Plan{}, fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	p.Content = cloneContent(content)
	p.Revision++
	p.UpdatedAt = s.now()
	return clonePlan(*p), nil
}

// SetStatus writes the lifecycle status.
func (s *Plans) SetStatus(_ context.Context, id types.PlanID, status types.PlanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	p.Status = status
	p.UpdatedAt = s.now()
	return nil
}

// SetCompletionScore stores a validator result.
func (s *Plans) SetCompletionScore(_ context.Context, id types.PlanID, score int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	p.CompletionScore = score
	p.UpdatedAt = s.now()
	return nil
}

// Delete removes the plan.
func (s *Plans) Delete(_ context.Context, id types.PlanID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[id]; !ok {
		return fmt.Errorf("%w: plan %s", ErrNotFound, id)
	}
	delete(s.plans, id)
	return nil
}

// ============================================================================
// Evidence
// ============================================================================

// Evidence is an in-memory evidence store.
type Evidence struct {
	mu    sync.RWMutex
	items map[string]*types.Evidence
	order []string
}

// NewEvidence creates an empty evidence store.
func NewEvidence() *Evidence {
	return &Evidence{items: make(map[string]*types.Evidence)}
}

// Create adds evidence with zeroed scores.
func (s *Evidence) Create(_ context.Context, ev types.Evidence) (types.Evidence, error) {
	if ev.ID == "" {
		return types.Evidence{}, fmt.Errorf("%w: empty evidence id", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[ev.ID]; ok {
		return types.Evidence{}, fmt.Errorf("%w: evidence %s", ErrExists, ev.ID)
	}
	e := cloneEvidence(ev)
	e.Relevance, e.Authority, e.Timeliness = 0, 0, 0
	if e.Status == "" {
		e.Status = types.EvidencePending
	}
	s.items[e.ID] = &e
	s.order = append(s.order, e.ID)
	return cloneEvidence(e), nil
}

// Get returns a copy of one item.
func (s *Evidence) Get(_ context.Context, id string) (types.Evidence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	if !ok {
		return types.Evidence{}, fmt.Errorf("%w: evidence %s", ErrNotFound, id)
	}
	return cloneEvidence(*e), nil
}

// All returns every item in insertion order.
func (s *Evidence) All(_ context.Context) []types.Evidence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Evidence, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneEvidence(*s.items[id]))
	}
	return out
}

// ListForPlan returns the evidence attached to planID in insertion order.
func (s *Evidence) ListForPlan(ctx context.Context, planID types.PlanID) ([]types.Evidence, error) {
	var out []types.Evidence
	for _, e := range s.All(ctx) {
		if e.PlanID == planID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Update applies the non-derived fields of u. Scores cannot be set here;
// changing a field the engine reads (title, summary, file type, license)
// clears them until the item is evaluated again.
func (s *Evidence) Update(_ context.Context, id string, u types.EvidenceUpdate) (types.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return types.Evidence{}, fmt.Errorf("%w: evidence %s", ErrNotFound, id)
	}
	stale := false
	set := func(dst *string, v *string) {
		if v != nil && *v != *dst {
			*dst = *v
			stale = true
		}
	}
	set(&e.Title, u.Title)
	set(&e.Summary, u.Summary)
	set(&e.FileType, u.FileType)
	set(&e.License, u.License)
	if u.FileSize != nil {
		e.FileSize = *u.FileSize
	}
	if u.Status != nil {
		e.Status = *u.Status
	}
	// scores computed from the old text no longer describe the item
	if stale {
		e.Relevance, e.Authority, e.Timeliness = 0, 0, 0
	}
	return cloneEvidence(*e), nil
}

// ApplyScores stores the engine's scores on the item.
func (s *Evidence) ApplyScores(_ context.Context, id string, sc scoring.Scores) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: evidence %s", ErrNotFound, id)
	}
	e.Relevance, e.Authority, e.Timeliness = sc.Relevance, sc.Authority, sc.Timeliness
	return nil
}

// AppendUsage records a citation.
func (s *Evidence) AppendUsage(_ context.Context, id string, usage types.EvidenceUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: evidence %s", ErrNotFound, id)
	}
	e.Usage = append(e.Usage, usage)
	return nil
}

// ============================================================================
// Requirements
// ============================================================================

// Requirements is an in-memory, write-once requirement snapshot store.
type Requirements struct {
	mu   sync.RWMutex
	reqs map[string]types.RequirementSnapshot
}

// NewRequirements creates an empty requirement store.
func NewRequirements() *Requirements {
	return &Requirements{reqs: make(map[string]types.RequirementSnapshot)}
}

// Create stores a snapshot; snapshots are immutable once stored.
func (s *Requirements) Create(_ context.Context, req types.RequirementSnapshot) error {
	if req.ID == "" {
		return fmt.Errorf("%w: empty requirement id", ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reqs[req.ID]; ok {
		return fmt.Errorf("%w: requirement %s", ErrExists, req.ID)
	}
	s.reqs[req.ID] = cloneRequirement(req)
	return nil
}

// Get returns a copy of the snapshot.
func (s *Requirements) Get(_ context.Context, id string) (types.RequirementSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reqs[id]
	if !ok {
		return types.RequirementSnapshot{}, fmt.Errorf("%w: requirement %s", ErrNotFound, id)
	}
	return cloneRequirement(r), nil
}
