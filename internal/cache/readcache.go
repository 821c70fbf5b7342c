// Package cache holds the per-tenant in-memory mirror of every synchronized
// table. Reads come from here instead of the store; the writer installs its
// results directly after commit, and trailing processes catch up through the
// request log by tick range.
package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/nortide/tessera/internal/dialect"
	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("cache: database handle is required")
var errMissingRegistry = errors.New("cache: table registry is required")

// Config describes the dependencies of the read cache.
type Config struct {
	Database *gorm.DB
	Registry *schema.Registry
	Logger   *zap.Logger
	Enabled  bool
}

// ReadCache mirrors, per tenant, every registered table keyed by record id.
// The invariant is that a tenant's cached tick never exceeds the stored tick
// for that tenant, and catch-up only touches entries in the trailing range.
type ReadCache struct {
	db       *gorm.DB
	registry *schema.Registry
	logger   *zap.Logger
	enabled  bool

	// mu guards creation of per-tenant caches only; every data access goes
	// through the tenant's own lock.
	mu      sync.Mutex
	tenants map[int64]*tenantCache
}

type tenantCache struct {
	mu          sync.Mutex
	tables      map[string]map[int64]schema.Row
	tick        int64
	projections map[string][]record.Record
}

// New constructs the read cache.
func New(cfg Config) (*ReadCache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadCache{
		db:       cfg.Database,
		registry: cfg.Registry,
		logger:   logger,
		enabled:  cfg.Enabled,
		tenants:  make(map[int64]*tenantCache),
	}, nil
}

// Enabled reports whether the cache participates at all. When false every
// method is a no-op and callers read through to the store.
func (c *ReadCache) Enabled() bool {
	return c.enabled
}

func (c *ReadCache) tenantFor(tenantID int64) *tenantCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.tenants[tenantID]
	if !ok {
		tc = &tenantCache{
			tables:      make(map[string]map[int64]schema.Row),
			projections: make(map[string][]record.Record),
		}
		c.tenants[tenantID] = tc
	}
	return tc
}

func (c *ReadCache) tenantSnapshot() map[int64]*tenantCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[int64]*tenantCache, len(c.tenants))
	for id, tc := range c.tenants {
		snapshot[id] = tc
	}
	return snapshot
}

func (c *ReadCache) uniqueTables() []schema.Table {
	seen := make(map[string]bool)
	var tables []schema.Table
	for _, area := range c.registry.Areas() {
		for _, table := range c.registry.Tables(area) {
			if !seen[table.Name()] {
				seen[table.Name()] = true
				tables = append(tables, table)
			}
		}
	}
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].Priority() != tables[j].Priority() {
			return tables[i].Priority() < tables[j].Priority()
		}
		return tables[i].Name() < tables[j].Name()
	})
	return tables
}

// Initialize bulk-loads every registered table for the given tenants. A
// failing table is logged and skipped; the tenant map is swapped in whole so
// a partial failure never leaves a torn map. Tenants outside the set are not
// blocked.
func (c *ReadCache) Initialize(ctx context.Context, tenantIDs []int64) {
	if !c.enabled {
		return
	}
	db := c.db.WithContext(ctx)
	for _, tenantID := range tenantIDs {
		// The tick is read before the tables so a commit landing mid-load can
		// only leave the cached tick behind the snapshot, where catch-up
		// repairs it, never ahead of rows the snapshot missed.
		tick, err := c.storedTick(db, tenantID)
		if err != nil {
			c.logger.Error("cache tick load failed",
				zap.String("operation", "cache.initialize"),
				zap.Int64("tenant_id", tenantID),
				zap.Error(err))
			continue
		}
		tables := make(map[string]map[int64]schema.Row)
		for _, table := range c.uniqueTables() {
			rows, err := table.ReadTable(db, tenantID)
			if err != nil {
				c.logger.Error("cache table load failed",
					zap.String("operation", "cache.initialize"),
					zap.String("table", table.Name()),
					zap.Int64("tenant_id", tenantID),
					zap.Error(err))
				continue
			}
			entries := make(map[int64]schema.Row, len(rows))
			for _, row := range rows {
				entries[row.Record.GetID()] = row
			}
			tables[table.Name()] = entries
		}

		tc := c.tenantFor(tenantID)
		tc.mu.Lock()
		tc.tables = tables
		tc.tick = tick
		tc.projections = make(map[string][]record.Record)
		tc.mu.Unlock()
	}
}

// storedTick reads the tenant's authoritative tick parameter; zero when the
// row does not exist yet.
func (c *ReadCache) storedTick(db *gorm.DB, tenantID int64) (int64, error) {
	var param record.Parameter
	err := db.Where("name = ?", dialect.TickKey(tenantID)).Take(&param).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if param.Value == "" {
		return 0, nil
	}
	tick, err := strconv.ParseInt(param.Value, 10, 64)
	if err != nil {
		return 0, err
	}
	return tick, nil
}

// UpdateCache catches the tenant up with the store: when the cached tick
// trails the stored one it replays only the request-log rows in between,
// re-fetching each referenced row. No-op when current.
func (c *ReadCache) UpdateCache(ctx context.Context, tenantID int64) error {
	if !c.enabled {
		return nil
	}
	db := c.db.WithContext(ctx)
	tc := c.tenantFor(tenantID)

	tc.mu.Lock()
	cached := tc.tick
	tc.mu.Unlock()

	stored, err := c.storedTick(db, tenantID)
	if err != nil {
		return err
	}
	if cached >= stored {
		return nil
	}

	var logRows []record.RequestLog
	err = db.Where("customer_id = ? AND tick > ? AND tick <= ?", tenantID, cached, stored).
		Order("table_name, record_id").
		Find(&logRows).Error
	if err != nil {
		return err
	}

	type key struct {
		table string
		id    int64
	}
	refreshed := make(map[key]*schema.Row)
	order := make([]key, 0, len(logRows))
	for _, logRow := range logRows {
		k := key{table: logRow.Table, id: logRow.RecordID}
		if _, seen := refreshed[k]; seen {
			continue
		}
		table, ok := c.registry.Lookup(logRow.Table)
		if !ok {
			c.logger.Warn("request log references unregistered table",
				zap.String("operation", "cache.update"),
				zap.String("table", logRow.Table),
				zap.Int64("tenant_id", tenantID))
			continue
		}
		row, err := table.GetRecord(db, logRow.RecordID, tenantID)
		if err != nil {
			c.logger.Error("cache catch-up fetch failed",
				zap.String("operation", "cache.update"),
				zap.String("table", logRow.Table),
				zap.Int64("record_id", logRow.RecordID),
				zap.Int64("tenant_id", tenantID),
				zap.Error(err))
			continue
		}
		refreshed[k] = row
		order = append(order, k)
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.tick >= stored {
		// A concurrent writer or catch-up already advanced us.
		return nil
	}
	for _, k := range order {
		entries, ok := tc.tables[k.table]
		if !ok {
			entries = make(map[int64]schema.Row)
			tc.tables[k.table] = entries
		}
		if row := refreshed[k]; row != nil {
			entries[k.id] = *row
		} else {
			delete(entries, k.id)
		}
	}
	tc.tick = stored
	tc.projections = make(map[string][]record.Record)
	return nil
}

// Install is the writer fast path: the executor hands over the rows it just
// committed, and the cache takes defensive copies so no mutable instance is
// shared with the caller. The tenant tick advances to the given value.
func (c *ReadCache) Install(rows []schema.Row, tenantID int64, tick int64) {
	if !c.enabled {
		return
	}
	tc := c.tenantFor(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, row := range rows {
		if row.Record == nil {
			continue
		}
		clone := row.Clone()
		entries, ok := tc.tables[clone.Record.TableName()]
		if !ok {
			entries = make(map[int64]schema.Row)
			tc.tables[clone.Record.TableName()] = entries
		}
		entries[clone.Record.GetID()] = clone
	}
	if tick > tc.tick {
		tc.tick = tick
	}
	tc.projections = make(map[string][]record.Record)
}

// GetRecord scans all tenants for a cached id, for callers that do not know
// the owning tenant up front. A miss returns nil and the caller falls back
// to a store read.
func (c *ReadCache) GetRecord(table string, id int64) record.Record {
	if !c.enabled {
		return nil
	}
	for _, tc := range c.tenantSnapshot() {
		tc.mu.Lock()
		if entries, ok := tc.tables[table]; ok {
			if row, ok := entries[id]; ok {
				clone := row.Record.Clone()
				tc.mu.Unlock()
				return clone
			}
		}
		tc.mu.Unlock()
	}
	return nil
}

// GetRow returns the (record, information) pair for one tenant, or nil.
func (c *ReadCache) GetRow(table string, id int64, tenantID int64) *schema.Row {
	if !c.enabled {
		return nil
	}
	tc := c.tenantFor(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if entries, ok := tc.tables[table]; ok {
		if row, ok := entries[id]; ok {
			clone := row.Clone()
			return &clone
		}
	}
	return nil
}

// GetRecords returns copies of all live (non-deleted) entries for a
// tenant/table.
func (c *ReadCache) GetRecords(table string, tenantID int64) []record.Record {
	if !c.enabled {
		return nil
	}
	tc := c.tenantFor(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	entries := tc.tables[table]
	records := make([]record.Record, 0, len(entries))
	for _, row := range entries {
		if row.Record.GetDeleted() {
			continue
		}
		records = append(records, row.Record.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].GetID() < records[j].GetID() })
	return records
}

// GetProjection memoizes a filtered view of a tenant/table under an
// arbitrary key, so repeated identical filters within a short window skip
// the recompute. The memo is dropped wholesale whenever the tenant's primary
// cache changes. Callers must treat the result as read-only.
func (c *ReadCache) GetProjection(table string, tenantID int64, cacheKey string, build func([]record.Record) []record.Record) []record.Record {
	if !c.enabled {
		return nil
	}
	tc := c.tenantFor(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	memoKey := table + "\x00" + cacheKey
	if cached, ok := tc.projections[memoKey]; ok {
		return cached
	}

	entries := tc.tables[table]
	records := make([]record.Record, 0, len(entries))
	for _, row := range entries {
		if row.Record.GetDeleted() {
			continue
		}
		records = append(records, row.Record.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].GetID() < records[j].GetID() })

	projection := build(records)
	tc.projections[memoKey] = projection
	return projection
}

// Reload forces a full re-read of one table for one tenant.
func (c *ReadCache) Reload(ctx context.Context, table string, tenantID int64) error {
	if !c.enabled {
		return nil
	}
	registered, ok := c.registry.Lookup(table)
	if !ok {
		return errors.New("cache: unknown table " + table)
	}
	rows, err := registered.ReadTable(c.db.WithContext(ctx), tenantID)
	if err != nil {
		return err
	}
	entries := make(map[int64]schema.Row, len(rows))
	for _, row := range rows {
		entries[row.Record.GetID()] = row
	}

	tc := c.tenantFor(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tables[table] = entries
	tc.projections = make(map[string][]record.Record)
	return nil
}

// Tick returns the tenant's cached tick.
func (c *ReadCache) Tick(tenantID int64) int64 {
	if !c.enabled {
		return 0
	}
	tc := c.tenantFor(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.tick
}
