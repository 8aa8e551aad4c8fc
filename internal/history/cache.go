package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"order-ladder-bot-go/internal/models"
)

// CachedStore serves recent-history reads from a bounded per-profile cache
// in front of the durable store. Writes go to the durable store first.
type CachedStore struct {
	Store
	size int

	mu       sync.Mutex
	profiles map[string]*recentRing
}

// recentRing keeps the newest records first.
type recentRing struct {
	warm  bool
	items []models.TaskExecution
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps store with a cache of the newest size records per
// profile, 100 when size is not positive.
func NewCachedStore(store Store, size int) *CachedStore {
	if size <= 0 {
		size = 100
	}
	return &CachedStore{
		Store:    store,
		size:     size,
		profiles: make(map[string]*recentRing),
	}
}

func (c *CachedStore) ring(profile string) *recentRing {
	r, ok := c.profiles[profile]
	if !ok {
		r = &recentRing{}
		c.profiles[profile] = r
	}
	return r
}

func (c *CachedStore) Begin(ctx context.Context, exec *models.TaskExecution) error {
	if err := c.Store.Begin(ctx, exec); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring(exec.Profile).merge(c.size, *exec)
	return nil
}

func (c *CachedStore) Record(ctx context.Context, execs []models.TaskExecution) error {
	if err := c.Store.Record(ctx, execs); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range execs {
		c.ring(e.Profile).merge(c.size, e)
	}
	return nil
}

// merge adds items the ring does not hold yet, keeps it newest first and
// trims it to size. Entries already in the ring win over incoming copies.
func (r *recentRing) merge(size int, items ...models.TaskExecution) {
	held := make(map[uint]bool, len(r.items))
	for _, e := range r.items {
		held[e.ID] = true
	}
	for _, e := range items {
		if !held[e.ID] {
			r.items = append(r.items, e)
			held[e.ID] = true
		}
	}
	sort.SliceStable(r.items, func(i, j int) bool {
		a, b := r.items[i], r.items[j]
		if !a.ScheduledTime.Equal(b.ScheduledTime) {
			return a.ScheduledTime.After(b.ScheduledTime)
		}
		return a.ID > b.ID
	})
	if len(r.items) > size {
		r.items = r.items[:size]
	}
}

func (c *CachedStore) Finalize(ctx context.Context, id uint, res Result) error {
	if err := c.Store.Finalize(ctx, id, res); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.profiles {
		for i := range r.items {
			if r.items[i].ID != id {
				continue
			}
			applyResult(&r.items[i], res)
			return nil
		}
	}
	return nil
}

func applyResult(e *models.TaskExecution, res Result) {
	completed := res.CompletionTime
	seconds := res.Duration.Seconds()
	e.CompletionTime = &completed
	e.Success = res.Success
	e.ErrorKind = res.ErrorKind
	if res.ErrorMessage != "" {
		msg := res.ErrorMessage
		e.ErrorMessage = &msg
	}
	e.OrdersProcessed = res.OrdersProcessed
	e.ReplacementsPlaced = res.ReplacementsPlaced
	e.Failures = res.Failures
	e.DurationSeconds = &seconds
}

// Recent answers from the cache once it has been loaded for the profile.
func (c *CachedStore) Recent(ctx context.Context, profile string, limit int) ([]models.TaskExecution, error) {
	limit = normalizeLimit(limit)
	if limit > c.size {
		return c.Store.Recent(ctx, profile, limit)
	}

	c.mu.Lock()
	r := c.ring(profile)
	if r.warm {
		out := copyN(r.items, limit)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	items, err := c.Store.Recent(ctx, profile, c.size)
	if err != nil {
		return nil, err
	}

	// Records begun while the durable read was in flight are already in the
	// ring and must survive the warm-up.
	c.mu.Lock()
	defer c.mu.Unlock()
	r = c.ring(profile)
	if !r.warm {
		r.merge(c.size, items...)
		r.warm = true
	}
	return copyN(r.items, limit), nil
}

// Page serves the first page from the cache; deeper pages go to the
// durable store.
func (c *CachedStore) Page(ctx context.Context, profile string, limit, offset int) ([]models.TaskExecution, int64, error) {
	if offset > 0 || normalizeLimit(limit) > c.size {
		return c.Store.Page(ctx, profile, limit, offset)
	}
	total, err := c.Store.Count(ctx, profile)
	if err != nil {
		return nil, 0, err
	}
	items, err := c.Recent(ctx, profile, limit)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func copyN(items []models.TaskExecution, n int) []models.TaskExecution {
	if n > len(items) {
		n = len(items)
	}
	out := make([]models.TaskExecution, n)
	copy(out, items[:n])
	return out
}

// Prune drops the whole cache; it is rebuilt from the durable store on the
// next read.
func (c *CachedStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := c.Store.Prune(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.profiles = make(map[string]*recentRing)
	c.mu.Unlock()
	return n, nil
}
