package access

import (
	"sync/atomic"

	"github.com/corsfix/proxy/internal/config"
)

// Products is the hot-swappable table of paid plans.
type Products struct {
	table atomic.Pointer[map[string]config.ProductConfig]
}

// NewProducts creates a table holding products.
func NewProducts(products []config.ProductConfig) *Products {
	p := &Products{}
	p.Set(products)
	return p
}

// Set replaces the table. Safe to call from a config watcher.
func (p *Products) Set(products []config.ProductConfig) {
	m := make(map[string]config.ProductConfig, len(products))
	for _, prod := range products {
		m[prod.ID] = prod
	}
	p.table.Store(&m)
}

// Get returns the product with id.
func (p *Products) Get(id string) (config.ProductConfig, bool) {
	prod, ok := (*p.table.Load())[id]
	return prod, ok
}

// Len returns the number of products.
func (p *Products) Len() int {
	return len(*p.table.Load())
}
