package views

import (
	"context"
	"log"
	"sync"

	"secondlayer/internal/models"
)

// Cache is the in-process view registry mirror. It loads all views at start
// and refreshes the whole set when a change notification arrives, so readers
// see at most a brief stale window after a deploy or delete.
type Cache struct {
	store *Store

	mu     sync.RWMutex
	byName map[string][]models.View
	byID   map[string]models.View
}

func NewCache(store *Store) *Cache {
	return &Cache{
		store:  store,
		byName: make(map[string][]models.View),
		byID:   make(map[string]models.View),
	}
}

// Refresh reloads the full view set from the database.
func (c *Cache) Refresh(ctx context.Context) error {
	all, err := c.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	byName := make(map[string][]models.View, len(all))
	byID := make(map[string]models.View, len(all))
	for _, v := range all {
		byName[v.Name] = append(byName[v.Name], v)
		byID[v.ID] = v
	}

	c.mu.Lock()
	c.byName = byName
	c.byID = byID
	c.mu.Unlock()

	log.Printf("[views] cache refreshed: %d views", len(all))
	return nil
}

// Get returns the view with the given name owned by one of keyIDs. A nil
// keyIDs denotes admin/dev mode and matches any owner. View names are only
// unique per owner, so the key set also disambiguates.
func (c *Cache) Get(name string, keyIDs []string) *models.View {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := c.byName[name]
	if len(candidates) == 0 {
		return nil
	}
	if keyIDs == nil {
		v := candidates[0]
		return &v
	}
	for _, v := range candidates {
		for _, k := range keyIDs {
			if v.OwnerKeyID == k {
				out := v
				return &out
			}
		}
	}
	return nil
}

// GetByID returns a cached view by id regardless of owner.
func (c *Cache) GetByID(id string) *models.View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.byID[id]; ok {
		out := v
		return &out
	}
	return nil
}

// GetAll lists views owned by keyIDs; nil lists everything.
func (c *Cache) GetAll(keyIDs []string) []models.View {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []models.View
	for _, v := range c.byID {
		if keyIDs == nil {
			out = append(out, v)
			continue
		}
		for _, k := range keyIDs {
			if v.OwnerKeyID == k {
				out = append(out, v)
				break
			}
		}
	}
	return out
}
