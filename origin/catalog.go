package origin

import (
	"sort"
	"sync"
)

// Category classifies entries for reporting. System categories are reserved
// for entries produced by adapters; operators cannot post into them.
type Category struct {
	ID     string
	Name   string
	System bool
}

const (
	CategoryPayments    = "payments"
	CategorySales       = "sales"
	CategoryJournal     = "journal"
	CategoryCorrections = "corrections"
	CategoryAdjustments = "adjustments"
)

// Catalog is the set of known categories.
type Catalog struct {
	mu         sync.RWMutex
	categories map[string]Category
}

// NewCatalog returns a catalog seeded with the default categories.
func NewCatalog() *Catalog {
	c := &Catalog{categories: make(map[string]Category)}
	c.Add(Category{ID: CategoryPayments, Name: "Client payments", System: true})
	c.Add(Category{ID: CategorySales, Name: "Point-of-sale sales", System: true})
	c.Add(Category{ID: CategoryJournal, Name: "Posted journal lines", System: true})
	c.Add(Category{ID: CategoryCorrections, Name: "Corrections", System: true})
	c.Add(Category{ID: CategoryAdjustments, Name: "Manual adjustments"})
	return c
}

// Add registers or replaces a category.
func (c *Catalog) Add(cat Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories[cat.ID] = cat
}

func (c *Catalog) Get(id string) (Category, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cat, ok := c.categories[id]
	return cat, ok
}

// List returns all categories ordered by id.
func (c *Catalog) List() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Category, 0, len(c.categories))
	for _, cat := range c.categories {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
