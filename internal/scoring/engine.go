// ============================================================================
// planforge Scoring Engine - 證據品質評分
// ============================================================================
//
// Package: internal/scoring
// 文件: engine.go
// 功能: 計算證據的 relevance / authority / timeliness / overall 分數
//
// 評分規則:
//   relevance  - query 詞彙與 title+summary 的重疊比例（去除 stop words，大小寫不敏感）
//                沒有 summary 時固定為 0
//   authority  - license / source / https URL / 已知檔案類型 四項訊號加總
//                低於 AuthorityFloor 時取 floor
//   timeliness - 以 published_at（否則 retrieved_at）計算指數衰減
//                沒有時間戳時取 UndatedTimeliness
//   overall    - 三者加權和，clamp 到 [0,1]
//
// 所有函式都是純函式，不寫入任何狀態；呼叫端負責把分數寫回 Evidence。
//
// ============================================================================

package scoring

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/planforge/pkg/types"
)

var (
	// ErrInvalidEvidence is returned for structurally invalid evidence (empty id).
	ErrInvalidEvidence = errors.New("scoring: invalid evidence")
	// ErrInvalidWeights is returned when weights are negative or all zero.
	ErrInvalidWeights = errors.New("scoring: invalid weights")
	// ErrInvalidConfig is returned for tunables outside [0,1].
	ErrInvalidConfig = errors.New("scoring: invalid config")
)

// Weights combine the three component scores into overall.
type Weights struct {
	Relevance  float64 `yaml:"relevance" json:"relevance"`
	Authority  float64 `yaml:"authority" json:"authority"`
	Timeliness float64 `yaml:"timeliness" json:"timeliness"`
}

// DefaultWeights returns 0.5 / 0.3 / 0.2.
func DefaultWeights() Weights {
	return Weights{Relevance: 0.5, Authority: 0.3, Timeliness: 0.2}
}

// Normalize validates w and rescales it to sum to 1.
func (w Weights) Normalize() (Weights, error) {
	if w.Relevance < 0 || w.Authority < 0 || w.Timeliness < 0 {
		return w, fmt.Errorf("%w: negative weight %+v", ErrInvalidWeights, w)
	}
	sum := w.Relevance + w.Authority + w.Timeliness
	if sum == 0 {
		return w, fmt.Errorf("%w: all weights are zero", ErrInvalidWeights)
	}
	if math.Abs(sum-1) < 1e-9 {
		return w, nil
	}
	return Weights{
		Relevance:  w.Relevance / sum,
		Authority:  w.Authority / sum,
		Timeliness: w.Timeliness / sum,
	}, nil
}

// Config tunes the engine. Start from DefaultConfig: NewEngine takes the floor
// and undated penalty as given, so zero means zero. Empty weights, a zero
// half-life and an empty file type list fall back to the defaults.
type Config struct {
	Weights           Weights       `yaml:"weights"`
	HalfLife          time.Duration `yaml:"half_life"`          // timeliness halves every HalfLife
	AuthorityFloor    float64       `yaml:"authority_floor"`    // lowest authority score
	UndatedTimeliness float64       `yaml:"undated_timeliness"` // timeliness for undated evidence
	KnownFileTypes    []string      `yaml:"known_file_types"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Weights:           DefaultWeights(),
		HalfLife:          365 * 24 * time.Hour,
		AuthorityFloor:    0.2,
		UndatedTimeliness: 0.1,
		KnownFileTypes:    []string{"pdf", "html", "docx", "md", "txt", "csv", "json"},
	}
}

// Scores is the output of Evaluate.
type Scores struct {
	Relevance  float64 `json:"relevance"`
	Authority  float64 `json:"authority"`
	Timeliness float64 `json:"timeliness"`
	Overall    float64 `json:"overall"`
}

// Engine evaluates evidence. It holds only immutable configuration and is safe
// for concurrent use.
type Engine struct {
	cfg       Config
	fileTypes map[string]struct{}
	now       func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for timeliness.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine validates cfg and builds an Engine.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	w, err := cfg.Weights.Normalize()
	if err != nil {
		return nil, err
	}
	cfg.Weights = w
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if cfg.AuthorityFloor < 0 || cfg.AuthorityFloor > 1 {
		return nil, fmt.Errorf("%w: authority_floor %v not within [0,1]", ErrInvalidConfig, cfg.AuthorityFloor)
	}
	if cfg.UndatedTimeliness < 0 || cfg.UndatedTimeliness > 1 {
		return nil, fmt.Errorf("%w: undated_timeliness %v not within [0,1]", ErrInvalidConfig, cfg.UndatedTimeliness)
	}
	if len(cfg.KnownFileTypes) == 0 {
		cfg.KnownFileTypes = def.KnownFileTypes
	}

	e := &Engine{
		cfg:       cfg,
		fileTypes: make(map[string]struct{}, len(cfg.KnownFileTypes)),
		now:       time.Now,
	}
	for _, ft := range cfg.KnownFileTypes {
		e.fileTypes[normalizeFileType(ft)] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective (normalised) configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate scores ev against query. Missing optional fields degrade to
// conservative scores; only an empty id is an error.
func (e *Engine) Evaluate(ev types.Evidence, query string) (Scores, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return Scores{}, ErrInvalidEvidence
	}
	s := Scores{
		Relevance:  e.relevance(ev, query),
		Authority:  e.authority(ev),
		Timeliness: e.timeliness(ev),
	}
	s.Overall = e.Combine(s.Relevance, s.Authority, s.Timeliness)
	return s, nil
}

// Combine applies the configured weights to three component scores.
func (e *Engine) Combine(relevance, authority, timeliness float64) float64 {
	w := e.cfg.Weights
	return clamp01(w.Relevance*relevance + w.Authority*authority + w.Timeliness*timeliness)
}

// StoredOverall recomputes overall from the scores persisted on ev.
func (e *Engine) StoredOverall(ev types.Evidence) float64 {
	return e.Combine(ev.Relevance, ev.Authority, ev.Timeliness)
}

// relevance is the share of distinct query terms found in title+summary.
func (e *Engine) relevance(ev types.Evidence, query string) float64 {
	if strings.TrimSpace(ev.Summary) == "" {
		return 0
	}
	terms := tokenSet(query)
	if len(terms) == 0 {
		return 0
	}
	text := tokenSet(ev.Title + " " + ev.Summary)
	hits := 0
	for term := range terms {
		if _, ok := text[term]; ok {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(len(terms)))
}

func (e *Engine) authority(ev types.Evidence) float64 {
	score := 0.0
	if strings.TrimSpace(ev.License) != "" {
		score += 0.3
	}
	if strings.TrimSpace(ev.Source) != "" {
		score += 0.3
	}
	if u, err := url.Parse(strings.TrimSpace(ev.URL)); err == nil && u.Scheme == "https" && u.Host != "" {
		score += 0.2
	}
	if _, ok := e.fileTypes[normalizeFileType(ev.FileType)]; ok {
		score += 0.2
	}
	if score < e.cfg.AuthorityFloor {
		return e.cfg.AuthorityFloor
	}
	return clamp01(score)
}

func (e *Engine) timeliness(ev types.Evidence) float64 {
	ts := ev.PublishedAt
	if ts == nil {
		ts = ev.RetrievedAt
	}
	if ts == nil || ts.IsZero() {
		return e.cfg.UndatedTimeliness
	}
	age := e.now().Sub(*ts)
	if age <= 0 {
		return 1
	}
	return clamp01(math.Pow(0.5, float64(age)/float64(e.cfg.HalfLife)))
}

func normalizeFileType(ft string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ft)), ".")
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
