package cache_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/nortide/tessera/internal/cache"
	"github.com/nortide/tessera/internal/dialect"
	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
	"github.com/nortide/tessera/internal/schema/schematest"
	"gorm.io/gorm"
)

const tenantID int64 = 7

func fixedClock() time.Time {
	return time.Unix(1700000000, 0).UTC()
}

func newCache(t *testing.T, db *gorm.DB, registry *schema.Registry) *cache.ReadCache {
	t.Helper()
	c, err := cache.New(cache.Config{Database: db, Registry: registry, Enabled: true})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	return c
}

func setStoredTick(t *testing.T, db *gorm.DB, tenant int64, tick int64) {
	t.Helper()
	param := record.Parameter{Name: dialect.TickKey(tenant), Value: strconv.FormatInt(tick, 10)}
	if err := db.Save(&param).Error; err != nil {
		t.Fatalf("unexpected tick seed error: %v", err)
	}
}

func seedOrder(t *testing.T, db *gorm.DB, id int64, reference string, tick int64) {
	t.Helper()
	table := schematest.NewOrderTable().WithClock(fixedClock)
	ctx := schema.RequestContext{TenantID: tenantID, UserID: 1}
	_, err := table.ExecuteRequests(db, ctx, []*schema.Request{{
		Table:   "Order",
		Action:  schema.ActionCreate,
		Payload: &schematest.Order{Meta: record.Meta{ID: id}, CustomerRecordID: 1, Reference: reference, Quantity: 1},
		Tick:    tick,
	}})
	if err != nil {
		t.Fatalf("unexpected order seed error: %v", err)
	}
}

func appendLog(t *testing.T, db *gorm.DB, tick int64, table string, recordID int64) {
	t.Helper()
	row := record.RequestLog{
		CustomerID: tenantID, Tick: tick, Table: table, RecordID: recordID,
		Action: "update", UserID: 1, RequestID: 1, CreatedAtSeconds: fixedClock().Unix(),
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("unexpected log seed error: %v", err)
	}
}

func TestInitializeLoadsTenantTables(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	seedOrder(t, db, 101, "ord-1", 3)
	setStoredTick(t, db, tenantID, 3)

	c := newCache(t, db, registry)
	c.Initialize(context.Background(), []int64{tenantID})

	if got := c.Tick(tenantID); got != 3 {
		t.Fatalf("expected cached tick 3, got %d", got)
	}
	rec := c.GetRecord("Order", 101)
	if rec == nil {
		t.Fatalf("expected order 101 in cache")
	}
	if rec.(*schematest.Order).Reference != "ord-1" {
		t.Fatalf("unexpected cached record: %+v", rec)
	}
}

func TestCatchUpReplaysTickRange(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	seedOrder(t, db, 42, "stale", 9)
	seedOrder(t, db, 43, "stale-too", 9)
	seedOrder(t, db, 50, "untouched", 9)
	setStoredTick(t, db, tenantID, 10)

	c := newCache(t, db, registry)
	c.Initialize(context.Background(), []int64{tenantID})
	if c.Tick(tenantID) != 10 {
		t.Fatalf("expected cached tick 10, got %d", c.Tick(tenantID))
	}

	// The store moves ahead: orders 42 and 43 change during ticks 11-13.
	table := schematest.NewOrderTable().WithClock(fixedClock)
	ctx := schema.RequestContext{TenantID: tenantID, UserID: 1}
	for _, step := range []struct {
		tick      int64
		id        int64
		reference string
	}{
		{11, 42, "fresh"},
		{12, 43, "fresh-too"},
		{13, 42, "freshest"},
	} {
		_, err := table.ExecuteRequests(db, ctx, []*schema.Request{{
			Table:   "Order",
			Action:  schema.ActionUpdate,
			Payload: &schematest.Order{Meta: record.Meta{ID: step.id}, CustomerRecordID: 1, Reference: step.reference, Quantity: 1},
			Tick:    step.tick,
		}})
		if err != nil {
			t.Fatalf("unexpected store update error: %v", err)
		}
		appendLog(t, db, step.tick, "Order", step.id)
	}
	setStoredTick(t, db, tenantID, 13)

	if err := c.UpdateCache(context.Background(), tenantID); err != nil {
		t.Fatalf("unexpected catch-up error: %v", err)
	}
	if c.Tick(tenantID) != 13 {
		t.Fatalf("expected cached tick 13, got %d", c.Tick(tenantID))
	}
	if rec := c.GetRecord("Order", 42); rec.(*schematest.Order).Reference != "freshest" {
		t.Fatalf("expected order 42 refreshed, got %+v", rec)
	}
	if rec := c.GetRecord("Order", 43); rec.(*schematest.Order).Reference != "fresh-too" {
		t.Fatalf("expected order 43 refreshed, got %+v", rec)
	}
	if rec := c.GetRecord("Order", 50); rec.(*schematest.Order).Reference != "untouched" {
		t.Fatalf("expected order 50 untouched, got %+v", rec)
	}
}

// lateCommitTable lands a store commit right after its snapshot is read,
// before Initialize finishes the tenant.
type lateCommitTable struct {
	schema.Table
	t         *testing.T
	db        *gorm.DB
	committed bool
}

func (l *lateCommitTable) ReadTable(db *gorm.DB, tenant int64) ([]schema.Row, error) {
	rows, err := l.Table.ReadTable(db, tenant)
	if !l.committed {
		l.committed = true
		seedOrder(l.t, l.db, 77, "late", 6)
		appendLog(l.t, l.db, 6, "Order", 77)
		setStoredTick(l.t, l.db, tenantID, 6)
	}
	return rows, err
}

func TestInitializeSurvivesCommitDuringLoad(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schema.NewRegistry()
	if err := registry.Register(schematest.AreaSales, schematest.NewCustomerTable()); err != nil {
		t.Fatalf("unexpected customer registration error: %v", err)
	}
	late := &lateCommitTable{Table: schematest.NewOrderTable().WithClock(fixedClock), t: t, db: db}
	if err := registry.Register(schematest.AreaSales, late); err != nil {
		t.Fatalf("unexpected order registration error: %v", err)
	}
	seedOrder(t, db, 42, "early", 5)
	setStoredTick(t, db, tenantID, 5)

	c := newCache(t, db, registry)
	c.Initialize(context.Background(), []int64{tenantID})

	// The commit landed after the tick was read, so the cache reports itself
	// behind the store instead of claiming coverage its snapshot lacks.
	if got := c.Tick(tenantID); got != 5 {
		t.Fatalf("expected cached tick 5 from before the commit, got %d", got)
	}
	if c.GetRecord("Order", 77) != nil {
		t.Fatal("snapshot must not contain the late commit yet")
	}

	if err := c.UpdateCache(context.Background(), tenantID); err != nil {
		t.Fatalf("unexpected catch-up error: %v", err)
	}
	if got := c.Tick(tenantID); got != 6 {
		t.Fatalf("expected cached tick 6 after catch-up, got %d", got)
	}
	if c.GetRecord("Order", 77) == nil {
		t.Fatal("catch-up must repair the snapshot with the late commit")
	}
}

func TestCatchUpIsNoOpWhenCurrent(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	setStoredTick(t, db, tenantID, 5)

	c := newCache(t, db, registry)
	c.Initialize(context.Background(), []int64{tenantID})
	if err := c.UpdateCache(context.Background(), tenantID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Tick(tenantID) != 5 {
		t.Fatalf("expected tick unchanged at 5, got %d", c.Tick(tenantID))
	}
}

func TestInstallTakesDefensiveCopies(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	c := newCache(t, db, registry)

	order := &schematest.Order{Meta: record.Meta{ID: 9, Tick: 4}, CustomerRecordID: 1, Reference: "before", Quantity: 2}
	info := &record.Information{CustomerID: tenantID, Table: "Order", RecordID: 9}
	c.Install([]schema.Row{{Record: order, Information: info}}, tenantID, 4)

	// Mutating the caller's instance must not reach the cache.
	order.Reference = "after"

	cached := c.GetRecord("Order", 9)
	if cached.(*schematest.Order).Reference != "before" {
		t.Fatalf("expected cache to hold a defensive copy, got %+v", cached)
	}
	if c.Tick(tenantID) != 4 {
		t.Fatalf("expected tick 4, got %d", c.Tick(tenantID))
	}

	// And mutating what the cache returned must not reach the cache either.
	cached.(*schematest.Order).Reference = "mutated"
	if again := c.GetRecord("Order", 9); again.(*schematest.Order).Reference != "before" {
		t.Fatalf("expected reads to return copies, got %+v", again)
	}
}

func TestGetRecordsSkipsDeletedEntries(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	c := newCache(t, db, registry)

	live := &schematest.Order{Meta: record.Meta{ID: 1, Tick: 2}, Reference: "live", Quantity: 1}
	dead := &schematest.Order{Meta: record.Meta{ID: 2, Tick: 3, Deleted: true}, Reference: "dead", Quantity: 1}
	c.Install([]schema.Row{
		{Record: live, Information: &record.Information{CustomerID: tenantID, Table: "Order", RecordID: 1}},
		{Record: dead, Information: &record.Information{CustomerID: tenantID, Table: "Order", RecordID: 2}},
	}, tenantID, 3)

	records := c.GetRecords("Order", tenantID)
	if len(records) != 1 || records[0].GetID() != 1 {
		t.Fatalf("expected only the live record, got %+v", records)
	}
}

func TestProjectionMemoInvalidatedByInstall(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	c := newCache(t, db, registry)

	c.Install([]schema.Row{{
		Record:      &schematest.Order{Meta: record.Meta{ID: 1}, Reference: "a", Quantity: 5},
		Information: &record.Information{CustomerID: tenantID, Table: "Order", RecordID: 1},
	}}, tenantID, 1)

	builds := 0
	build := func(records []record.Record) []record.Record {
		builds++
		var out []record.Record
		for _, rec := range records {
			if rec.(*schematest.Order).Quantity >= 5 {
				out = append(out, rec)
			}
		}
		return out
	}

	first := c.GetProjection("Order", tenantID, "qty>=5", build)
	second := c.GetProjection("Order", tenantID, "qty>=5", build)
	if builds != 1 {
		t.Fatalf("expected memoized projection, built %d times", builds)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("unexpected projection sizes: %d, %d", len(first), len(second))
	}

	c.Install([]schema.Row{{
		Record:      &schematest.Order{Meta: record.Meta{ID: 2}, Reference: "b", Quantity: 9},
		Information: &record.Information{CustomerID: tenantID, Table: "Order", RecordID: 2},
	}}, tenantID, 2)

	third := c.GetProjection("Order", tenantID, "qty>=5", build)
	if builds != 2 {
		t.Fatalf("expected memo invalidation after install, built %d times", builds)
	}
	if len(third) != 2 {
		t.Fatalf("expected both orders in refreshed projection, got %d", len(third))
	}
}

func TestDisabledCacheIsInert(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	c, err := cache.New(cache.Config{Database: db, Registry: registry, Enabled: false})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}

	c.Initialize(context.Background(), []int64{tenantID})
	c.Install([]schema.Row{{
		Record:      &schematest.Order{Meta: record.Meta{ID: 1}, Reference: "a"},
		Information: &record.Information{CustomerID: tenantID, Table: "Order", RecordID: 1},
	}}, tenantID, 1)

	if rec := c.GetRecord("Order", 1); rec != nil {
		t.Fatalf("expected disabled cache to miss, got %+v", rec)
	}
	if err := c.UpdateCache(context.Background(), tenantID); err != nil {
		t.Fatalf("expected disabled catch-up to be a no-op, got %v", err)
	}
	if c.Enabled() {
		t.Fatalf("expected cache to report disabled")
	}
}

func TestReloadRefreshesSingleTable(t *testing.T) {
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	c := newCache(t, db, registry)
	c.Initialize(context.Background(), []int64{tenantID})

	seedOrder(t, db, 77, "late-arrival", 6)
	if rec := c.GetRecord("Order", 77); rec != nil {
		t.Fatalf("expected cache to miss before reload")
	}
	if err := c.Reload(context.Background(), "Order", tenantID); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if rec := c.GetRecord("Order", 77); rec == nil {
		t.Fatalf("expected cache hit after reload")
	}

	if err := c.Reload(context.Background(), "Nope", tenantID); err == nil {
		t.Fatalf("expected unknown table to error")
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := cache.New(cache.Config{Registry: schema.NewRegistry()})
	if err == nil {
		t.Fatalf("expected missing database to error")
	}
	db := schematest.OpenDatabase(t)
	if _, err = cache.New(cache.Config{Database: db}); err == nil {
		t.Fatalf("expected missing registry to error")
	}
}
