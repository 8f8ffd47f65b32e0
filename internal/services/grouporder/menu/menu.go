// Package menu looks up menu items from the restaurant catalog.
package menu

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/louisbranch/grouporder/internal/services/grouporder/domain"
)

// ErrNotFound indicates the catalog has no such item.
var ErrNotFound = errors.New("menu item not found")

// Item is the catalog view of a menu item at lookup time.
type Item struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Price     domain.Money `json:"price"`
	Available bool         `json:"available"`
}

// Lookup resolves a menu item id.
type Lookup interface {
	LookupMenuItem(ctx context.Context, menuItemID string) (Item, error)
}

// Static serves a fixed in-memory catalog.
type Static struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewStatic builds a catalog from items keyed by their ID.
func NewStatic(items ...Item) *Static {
	s := &Static{items: make(map[string]Item, len(items))}
	for _, item := range items {
		s.items[item.ID] = item
	}
	return s
}

// Put adds or replaces an item.
func (s *Static) Put(item Item) {
	s.mu.Lock()
	s.items[item.ID] = item
	s.mu.Unlock()
}

// LookupMenuItem implements Lookup.
func (s *Static) LookupMenuItem(ctx context.Context, menuItemID string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[strings.TrimSpace(menuItemID)]
	if !ok {
		return Item{}, ErrNotFound
	}
	return item, nil
}
