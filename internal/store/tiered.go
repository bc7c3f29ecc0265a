package store

import (
	"context"
	"sort"
	"sync"

	"quiche/internal/domain"
	"quiche/internal/log"
)

// Tiered serves reads from memory first and falls through to a durable
// store. A durable hit is copied into memory before it is returned; if memory
// already holds a higher version, the higher version wins.
//
// Durable read failures degrade to a miss. Durable write failures are
// returned as *PersistError after the memory publish succeeded.
// Reads and writes for one name are serialized.
type Tiered struct {
	mem       *Memory
	durable   Store
	placement func(name string) domain.Placement
	logger    *log.Logger
	locks     keyLocks
}

type TieredOption func(*Tiered)

// WithPlacement tells Tiered which tiers each task name lives in.
func WithPlacement(fn func(name string) domain.Placement) TieredOption {
	return func(t *Tiered) { t.placement = fn }
}

func WithLogger(l *log.Logger) TieredOption {
	return func(t *Tiered) { t.logger = l }
}

func NewTiered(durable Store, opts ...TieredOption) *Tiered {
	t := &Tiered{mem: NewMemory(), durable: durable, logger: log.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tiered) placeOf(name string) domain.Placement {
	if t.placement == nil {
		return domain.PlaceBoth
	}
	return t.placement(name)
}

func (t *Tiered) Get(ctx context.Context, name string) (domain.Entry, bool, error) {
	unlock := t.locks.lock(name)
	defer unlock()

	place := t.placeOf(name)
	if place != domain.PlaceDurableOnly {
		if e, ok, _ := t.mem.Get(ctx, name); ok {
			return e, true, nil
		}
	}
	if place == domain.PlaceMemoryOnly {
		return domain.Entry{}, false, nil
	}
	e, ok, err := t.durable.Get(ctx, name)
	if err != nil {
		t.logger.Warn(ctx, "durable read failed; treating as miss", "task", name, "error", err)
		return domain.Entry{}, false, nil
	}
	if !ok {
		return domain.Entry{}, false, nil
	}
	if place == domain.PlaceDurableOnly {
		return e, true, nil
	}
	return t.mem.putIfNewer(name, e), true, nil
}

// Put stores e in every tier the name's placement allows.
func (t *Tiered) Put(ctx context.Context, name string, e domain.Entry) error {
	return t.Place(ctx, name, e, t.placeOf(name))
}

// Place stores e according to place.
func (t *Tiered) Place(ctx context.Context, name string, e domain.Entry, place domain.Placement) error {
	unlock := t.locks.lock(name)
	defer unlock()

	switch place {
	case domain.PlaceMemoryOnly:
		return t.mem.Put(ctx, name, e)
	case domain.PlaceDurableOnly:
		_ = t.mem.Delete(ctx, name)
		if err := t.durable.Put(ctx, name, e); err != nil {
			return persistErr(name, err)
		}
		return nil
	default:
		_ = t.mem.Put(ctx, name, e)
		if err := t.durable.Put(ctx, name, e); err != nil {
			return persistErr(name, err)
		}
		return nil
	}
}

func (t *Tiered) Has(ctx context.Context, name string) (bool, error) {
	if ok, _ := t.mem.Has(ctx, name); ok {
		return true, nil
	}
	if t.placeOf(name) == domain.PlaceMemoryOnly {
		return false, nil
	}
	return t.durable.Has(ctx, name)
}

func (t *Tiered) Delete(ctx context.Context, name string) error {
	unlock := t.locks.lock(name)
	defer unlock()
	_ = t.mem.Delete(ctx, name)
	return t.durable.Delete(ctx, name)
}

// List merges both tiers, preferring the higher version per name.
func (t *Tiered) List(ctx context.Context) ([]domain.EntryInfo, error) {
	durable, err := t.durable.List(ctx)
	if err != nil {
		return nil, err
	}
	mem, _ := t.mem.List(ctx)
	byName := make(map[string]domain.EntryInfo, len(durable)+len(mem))
	for _, info := range durable {
		byName[info.Name] = info
	}
	for _, info := range mem {
		if cur, ok := byName[info.Name]; !ok || info.Version > cur.Version {
			byName[info.Name] = info
		}
	}
	out := make([]domain.EntryInfo, 0, len(byName))
	for _, info := range byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *Tiered) Clear(ctx context.Context) error {
	_ = t.mem.Clear(ctx)
	return t.durable.Clear(ctx)
}

func (t *Tiered) MaxVersion(ctx context.Context) (uint64, error) {
	if vf, ok := t.durable.(VersionFloor); ok {
		return vf.MaxVersion(ctx)
	}
	return 0, nil
}

// keyLocks hands out one mutex per key, dropping it once nobody holds it.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
