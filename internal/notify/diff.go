// Package notify computes the minimal change set pushed to each connected
// client after a transaction. Business logic records a before image and an
// after image of every (table, id) pair it touches or re-evaluates; the
// difference between the two images is what gets broadcast. The images are
// explicit because visibility can change without any field changing.
package notify

import (
	"sort"
	"sync"

	"github.com/nortide/tessera/internal/cache"
	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
)

// Difference is one emitted change: Before nil means insert, After nil means
// delete, both non-nil means update.
type Difference struct {
	Table  string
	Before record.Record
	After  record.Record
}

type imageKey struct {
	table string
	id    int64
}

// image is a known observation for a pair within one phase; rec nil means
// "does not exist / not visible". Absence from the phase map means the pair
// was never evaluated, which is a distinct state from a known nil.
type image struct {
	rec record.Record
}

func (img image) live() bool {
	return img.rec != nil && !img.rec.GetDeleted()
}

type phase int

const (
	phaseBefore phase = iota
	phaseAfter
)

type connectionImages struct {
	phase  phase
	before map[imageKey]image
	after  map[imageKey]image
}

func (ci *connectionImages) current() map[imageKey]image {
	if ci.phase == phaseBefore {
		return ci.before
	}
	return ci.after
}

// DiffCache holds the per-connection image pairs for transactions in flight.
type DiffCache struct {
	mu       sync.Mutex
	registry *schema.Registry
	cache    *cache.ReadCache
	conns    map[string]*connectionImages
}

// NewDiffCache constructs the difference cache. The read cache may be nil;
// GetRecord then has no fallback and unknown pairs stay unknown.
func NewDiffCache(registry *schema.Registry, readCache *cache.ReadCache) *DiffCache {
	return &DiffCache{
		registry: registry,
		cache:    readCache,
		conns:    make(map[string]*connectionImages),
	}
}

// SetBefore starts a fresh image cycle for the connection.
func (d *DiffCache) SetBefore(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[connectionID] = &connectionImages{
		phase:  phaseBefore,
		before: make(map[imageKey]image),
		after:  make(map[imageKey]image),
	}
}

// SetAfter switches the connection's cycle to the after phase.
func (d *DiffCache) SetAfter(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ci, ok := d.conns[connectionID]; ok {
		ci.phase = phaseAfter
	}
}

// Set records the image for the current phase. A nil record never overwrites
// an already-known non-nil value within the same phase ("record or previous"
// semantics); a non-nil record always wins.
func (d *DiffCache) Set(connectionID, table string, id int64, rec record.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ci, ok := d.conns[connectionID]
	if !ok {
		return
	}
	images := ci.current()
	key := imageKey{table: table, id: id}
	if existing, known := images[key]; known && rec == nil && existing.rec != nil {
		return
	}
	if rec != nil {
		rec = rec.Clone()
	}
	images[key] = image{rec: rec}
}

// Is reports tri-state existence for the current phase: nil when the pair
// was never evaluated, otherwise whether a live record is known.
func (d *DiffCache) Is(connectionID, table string, id int64) *bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ci, ok := d.conns[connectionID]
	if !ok {
		return nil
	}
	img, known := ci.current()[imageKey{table: table, id: id}]
	if !known {
		return nil
	}
	exists := img.live()
	return &exists
}

// GetRecord reads through the current phase's snapshot, falling back to the
// read cache on an unknown pair and promoting the result so repeated lookups
// within the phase stay in memory.
func (d *DiffCache) GetRecord(connectionID, table string, id int64) record.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	ci, ok := d.conns[connectionID]
	if !ok {
		return nil
	}
	images := ci.current()
	key := imageKey{table: table, id: id}
	if img, known := images[key]; known {
		if img.rec == nil {
			return nil
		}
		return img.rec.Clone()
	}
	if d.cache == nil || !d.cache.Enabled() {
		return nil
	}
	rec := d.cache.GetRecord(table, id)
	if rec != nil {
		images[key] = image{rec: rec.Clone()}
	} else {
		images[key] = image{}
	}
	return rec
}

// GetDifferences computes the connection's change set and retires its
// images; the next cycle starts with SetBefore.
//
// Three passes, each walking tables in registration priority order: inserts
// first, then updates, then deletes with the table order reversed, so
// consumers can apply inserts in foreign-key dependency order and deletes in
// the reverse without knowing the schema graph. A pair evaluated only in the
// before phase emits nothing: without an after observation there is no basis
// to claim it changed.
func (d *DiffCache) GetDifferences(connectionID string) []Difference {
	d.mu.Lock()
	ci, ok := d.conns[connectionID]
	if ok {
		delete(d.conns, connectionID)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}

	byTable := make(map[string][]imageKey)
	seen := make(map[imageKey]bool)
	for _, images := range []map[imageKey]image{ci.before, ci.after} {
		for key := range images {
			if !seen[key] {
				seen[key] = true
				byTable[key.table] = append(byTable[key.table], key)
			}
		}
	}

	tables := make([]string, 0, len(byTable))
	for table, keys := range byTable {
		sort.Slice(keys, func(i, j int) bool { return keys[i].id < keys[j].id })
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool {
		pi, pj := d.registry.Priority(tables[i]), d.registry.Priority(tables[j])
		if pi != pj {
			return pi < pj
		}
		return tables[i] < tables[j]
	})

	var differences []Difference

	// Inserts: not visible before, live after.
	for _, table := range tables {
		for _, key := range byTable[table] {
			before, beforeKnown := ci.before[key]
			after, afterKnown := ci.after[key]
			if !afterKnown || !after.live() {
				continue
			}
			if beforeKnown && before.live() {
				continue
			}
			differences = append(differences, Difference{Table: table, After: after.rec})
		}
	}

	// Updates: live on both sides and structurally different.
	for _, table := range tables {
		for _, key := range byTable[table] {
			before, beforeKnown := ci.before[key]
			after, afterKnown := ci.after[key]
			if !beforeKnown || !afterKnown || !before.live() || !after.live() {
				continue
			}
			if before.rec.Equal(after.rec) {
				continue
			}
			differences = append(differences, Difference{Table: table, Before: before.rec, After: after.rec})
		}
	}

	// Deletes: live before, known gone after; reverse table order.
	for i := len(tables) - 1; i >= 0; i-- {
		table := tables[i]
		for _, key := range byTable[table] {
			before, beforeKnown := ci.before[key]
			after, afterKnown := ci.after[key]
			if !beforeKnown || !before.live() {
				continue
			}
			if !afterKnown || after.live() {
				continue
			}
			differences = append(differences, Difference{Table: table, Before: before.rec})
		}
	}

	return differences
}
