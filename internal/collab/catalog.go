package collab

import (
	"context"

	"github.com/ChuLiYu/planforge/pkg/types"
)

// CatalogName is the source name the evidence catalog registers under.
const CatalogName = "catalog"

// EvidenceLister lists every stored evidence item.
type EvidenceLister interface {
	All(ctx context.Context) []types.Evidence
}

// Catalog exposes stored evidence as a search source. Each fetch sees the
// store as it is at that moment.
type Catalog struct {
	store EvidenceLister
}

// NewCatalog wraps store.
func NewCatalog(store EvidenceLister) *Catalog {
	return &Catalog{store: store}
}

func (c *Catalog) Name() string { return CatalogName }

// Fetch returns every stored item; ranking and filtering happen in the engine.
func (c *Catalog) Fetch(ctx context.Context, _ string) ([]types.Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.store.All(ctx), nil
}
