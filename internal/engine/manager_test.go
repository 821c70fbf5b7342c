package engine_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/nortide/tessera/internal/cache"
	"github.com/nortide/tessera/internal/dialect"
	"github.com/nortide/tessera/internal/engine"
	"github.com/nortide/tessera/internal/notify"
	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
	"github.com/nortide/tessera/internal/schema/schematest"
	"gorm.io/gorm"
)

const (
	testTenant int64 = 7
	testUser   int64 = 41
)

type fixture struct {
	db         *gorm.DB
	registry   *schema.Registry
	cache      *cache.ReadCache
	diff       *notify.DiffCache
	dispatcher *notify.Dispatcher
	manager    *engine.Manager
}

func newFixture(t *testing.T, cacheEnabled bool) *fixture {
	t.Helper()
	return newFixtureLot(t, cacheEnabled, 0)
}

func newFixtureWithLotBytes(t *testing.T, lotBytes int) *fixture {
	t.Helper()
	return newFixtureLot(t, true, lotBytes)
}

func newFixtureLot(t *testing.T, cacheEnabled bool, lotBytes int) *fixture {
	t.Helper()
	db := schematest.OpenDatabase(t)
	registry := schematest.NewRegistry(t)
	d, err := dialect.ForDB(db)
	if err != nil {
		t.Fatalf("unexpected dialect error: %v", err)
	}
	readCache, err := cache.New(cache.Config{Database: db, Registry: registry, Enabled: cacheEnabled})
	if err != nil {
		t.Fatalf("unexpected cache error: %v", err)
	}
	diff := notify.NewDiffCache(registry, readCache)
	dispatcher := notify.NewDispatcher()
	manager, err := engine.NewManager(engine.ManagerConfig{
		Database:      db,
		Dialect:       d,
		Registry:      registry,
		Cache:         readCache,
		Diff:          diff,
		Dispatcher:    dispatcher,
		Clock:         func() time.Time { return time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC) },
		LotBytes:      lotBytes,
		SchemaVersion: "2024.1",
	})
	if err != nil {
		t.Fatalf("unexpected manager error: %v", err)
	}
	return &fixture{db: db, registry: registry, cache: readCache, diff: diff, dispatcher: dispatcher, manager: manager}
}

func (f *fixture) openSession(t *testing.T) engine.Session {
	t.Helper()
	session, err := f.manager.OpenConnection(context.Background(), testTenant, testUser, "workstation-1", false)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if _, err := f.manager.Initialize(context.Background(), session, schematest.AreaSales, 1); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	return session
}

func (f *fixture) storedTick(t *testing.T) int64 {
	t.Helper()
	var param record.Parameter
	err := f.db.Where("name = ?", dialect.TickKey(testTenant)).Take(&param).Error
	if err != nil {
		t.Fatalf("unexpected tick read error: %v", err)
	}
	tick, err := strconv.ParseInt(param.Value, 10, 64)
	if err != nil {
		t.Fatalf("unexpected tick value %q: %v", param.Value, err)
	}
	return tick
}

func (f *fixture) storedRequestID(t *testing.T) int64 {
	t.Helper()
	var row record.RequestID
	err := f.db.Where("user_id = ?", testUser).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0
	}
	if err != nil {
		t.Fatalf("unexpected request id read error: %v", err)
	}
	return row.Value
}

func createCustomer(name string) *schema.Request {
	customer := &schematest.Customer{Meta: record.NewMeta(), Name: name}
	return &schema.Request{Table: "Customer", Action: schema.ActionCreate, Payload: customer}
}

func TestExecuteTransactionStampsContiguousTicks(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	rows, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{createCustomer("Acme"), createCustomer("Globex")})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if got := f.storedTick(t); got != 2 {
		t.Fatalf("expected stored tick 2, got %d", got)
	}
	if got := f.storedRequestID(t); got != 1 {
		t.Fatalf("expected stored request id 1, got %d", got)
	}

	var logRows []record.RequestLog
	if err := f.db.Where("customer_id = ?", testTenant).Order("tick").Find(&logRows).Error; err != nil {
		t.Fatalf("unexpected log read error: %v", err)
	}
	if len(logRows) != 2 {
		t.Fatalf("expected 2 log rows, got %d", len(logRows))
	}
	for i, logRow := range logRows {
		if logRow.Tick != int64(i+1) {
			t.Fatalf("expected tick %d at position %d, got %d", i+1, i, logRow.Tick)
		}
		if logRow.Action != string(schema.ActionCreate) {
			t.Fatalf("unexpected action %q", logRow.Action)
		}
	}

	// A second transaction continues the sequence without gaps.
	if _, err := f.manager.ExecuteTransaction(context.Background(), session, 1,
		[]*schema.Request{createCustomer("Initech")}); err != nil {
		t.Fatalf("unexpected second transaction error: %v", err)
	}
	if got := f.storedTick(t); got != 3 {
		t.Fatalf("expected stored tick 3, got %d", got)
	}
}

func TestExecuteTransactionRejectsReplay(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	if _, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{createCustomer("Acme")}); err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
	tickBefore := f.storedTick(t)

	_, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{createCustomer("Acme")})
	if !errors.Is(err, engine.ErrRequestAlreadyExecuted) {
		t.Fatalf("expected already-executed error, got %v", err)
	}
	if got := f.storedTick(t); got != tickBefore {
		t.Fatalf("replay must not advance the tick: %d != %d", got, tickBefore)
	}
	if got := f.storedRequestID(t); got != 1 {
		t.Fatalf("replay must not advance the request id, got %d", got)
	}
}

func TestExecuteTransactionRejectsDesynchronizedRequest(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	_, err := f.manager.ExecuteTransaction(context.Background(), session, 2,
		[]*schema.Request{createCustomer("Acme")})
	if !errors.Is(err, engine.ErrRequestDesynchronized) {
		t.Fatalf("expected desynchronized error, got %v", err)
	}
	var count int64
	if err := f.db.Model(&record.RequestLog{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("rejected request must not log, got %d rows", count)
	}
}

func TestExecuteTransactionStaleReplayAgainstStoredCounter(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	if err := f.db.Create(&record.RequestID{UserID: testUser, Value: 7}).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}
	_, err := f.manager.ExecuteTransaction(context.Background(), session, 6,
		[]*schema.Request{createCustomer("Acme")})
	if !errors.Is(err, engine.ErrRequestAlreadyExecuted) {
		t.Fatalf("expected already-executed error, got %v", err)
	}
	if got := f.storedRequestID(t); got != 7 {
		t.Fatalf("stored request id must stay at 7, got %d", got)
	}
}

func TestExecuteTransactionFailureConsumesReservedTicks(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	// The second sub-request updates a row that does not exist.
	ghost := &schematest.Customer{Meta: record.NewMeta(), Name: "Ghost"}
	ghost.SetID(999)
	batch := []*schema.Request{
		createCustomer("Acme"),
		{Table: "Customer", Action: schema.ActionUpdate, RecordID: 999, Payload: ghost},
	}
	_, err := f.manager.ExecuteTransaction(context.Background(), session, 0, batch)
	if err == nil {
		t.Fatal("expected transaction failure")
	}
	if errors.Is(err, engine.ErrRequestAlreadyExecuted) || errors.Is(err, engine.ErrRequestDesynchronized) {
		t.Fatalf("unexpected ordering error: %v", err)
	}

	// The reserved tick range and the request-id increment survive the abort.
	if got := f.storedTick(t); got != 2 {
		t.Fatalf("expected consumed tick range up to 2, got %d", got)
	}
	if got := f.storedRequestID(t); got != 1 {
		t.Fatalf("expected request id advanced to 1, got %d", got)
	}

	// The data write itself rolled back.
	var count int64
	if err := f.db.Model(&schematest.Customer{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("aborted transaction must not persist rows, got %d", count)
	}

	// The next accepted transaction starts above the consumed range.
	rows, err := f.manager.ExecuteTransaction(context.Background(), session, 1,
		[]*schema.Request{createCustomer("Initech")})
	if err != nil {
		t.Fatalf("unexpected follow-up error: %v", err)
	}
	if rows[0].Record.GetTick() != 3 {
		t.Fatalf("expected tick 3 after consumed range, got %d", rows[0].Record.GetTick())
	}
}

func TestExecuteTransactionKeepsCacheAndStoreInAgreement(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	rows, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{createCustomer("Acme")})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
	id := rows[0].Record.GetID()

	cached := f.cache.GetRecords("Customer", testTenant)
	if len(cached) != 1 || cached[0].GetID() != id {
		t.Fatalf("cache does not mirror the commit: %+v", cached)
	}

	table, ok := f.registry.Lookup("Customer")
	if !ok {
		t.Fatal("customer table not registered")
	}
	storeRows, err := table.ReadTable(f.db, testTenant)
	if err != nil {
		t.Fatalf("unexpected store read error: %v", err)
	}
	if len(storeRows) != 1 {
		t.Fatalf("expected one stored row, got %d", len(storeRows))
	}
	if !storeRows[0].Record.Equal(cached[0]) {
		t.Fatal("stored row and cached row disagree")
	}
	if storeRows[0].Record.GetTick() != cached[0].GetTick() {
		t.Fatalf("tick mismatch: store %d cache %d", storeRows[0].Record.GetTick(), cached[0].GetTick())
	}
}

func TestExecuteTransactionPublishesDifferences(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, stop := f.dispatcher.Subscribe(ctx, testTenant)
	defer stop()

	if _, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{createCustomer("Acme")}); err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}

	select {
	case message := <-stream:
		if message.TenantID != testTenant {
			t.Fatalf("unexpected tenant %d", message.TenantID)
		}
		if message.Tick != 1 {
			t.Fatalf("expected tick 1, got %d", message.Tick)
		}
		if len(message.Differences) != 1 {
			t.Fatalf("expected one difference, got %d", len(message.Differences))
		}
		diff := message.Differences[0]
		if diff.Before != nil || diff.After == nil {
			t.Fatalf("expected an insert difference, got before=%v after=%v", diff.Before, diff.After)
		}
	case <-time.After(time.Second):
		t.Fatal("no change message received")
	}
}

func TestExecuteTransactionDeleteOfUnwarmedRowPublishesDifference(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	// The row predates the process: it sits in the store while the tenant was
	// never warmed into the cache.
	seed := &schematest.Customer{Meta: record.NewMeta(), Name: "Pre-existing"}
	seed.SetID(501)
	if err := f.db.Create(seed).Error; err != nil {
		t.Fatalf("unexpected row seed error: %v", err)
	}
	createTick := int64(1)
	info := record.Information{CustomerID: testTenant, Table: "Customer", RecordID: 501, CreateTick: &createTick}
	if err := f.db.Create(&info).Error; err != nil {
		t.Fatalf("unexpected information seed error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, stop := f.dispatcher.Subscribe(ctx, testTenant)
	defer stop()

	if _, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{{Table: "Customer", Action: schema.ActionDelete, RecordID: 501}}); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	select {
	case message := <-stream:
		if len(message.Differences) != 1 {
			t.Fatalf("expected one difference, got %d", len(message.Differences))
		}
		diff := message.Differences[0]
		if diff.Before == nil || diff.After != nil {
			t.Fatalf("expected a delete difference, got before=%v after=%v", diff.Before, diff.After)
		}
		if diff.Before.GetID() != 501 {
			t.Fatalf("unexpected deleted record id %d", diff.Before.GetID())
		}
	case <-time.After(time.Second):
		t.Fatal("no change message published for the delete")
	}
}

func TestExecuteTransactionUpdateOfUnwarmedRowReportsUpdate(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	seed := &schematest.Customer{Meta: record.NewMeta(), Name: "Pre-existing"}
	seed.SetID(502)
	if err := f.db.Create(seed).Error; err != nil {
		t.Fatalf("unexpected row seed error: %v", err)
	}
	createTick := int64(1)
	info := record.Information{CustomerID: testTenant, Table: "Customer", RecordID: 502, CreateTick: &createTick}
	if err := f.db.Create(&info).Error; err != nil {
		t.Fatalf("unexpected information seed error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, stop := f.dispatcher.Subscribe(ctx, testTenant)
	defer stop()

	update := &schematest.Customer{Meta: record.NewMeta(), Name: "Renamed"}
	update.SetID(502)
	if _, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{{Table: "Customer", Action: schema.ActionUpdate, RecordID: 502, Payload: update}}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	select {
	case message := <-stream:
		if len(message.Differences) != 1 {
			t.Fatalf("expected one difference, got %d", len(message.Differences))
		}
		diff := message.Differences[0]
		if diff.Before == nil || diff.After == nil {
			t.Fatalf("expected an update difference, got before=%v after=%v", diff.Before, diff.After)
		}
	case <-time.After(time.Second):
		t.Fatal("no change message published for the update")
	}
}

func TestExecuteTransactionAllocatesDistinctIDsAcrossTenants(t *testing.T) {
	f := newFixture(t, true)
	first := f.openSession(t)

	second, err := f.manager.OpenConnection(context.Background(), testTenant+1, testUser+1, "workstation-2", false)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if _, err := f.manager.Initialize(context.Background(), second, schematest.AreaSales, 1); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}

	firstRows, err := f.manager.ExecuteTransaction(context.Background(), first, 0,
		[]*schema.Request{createCustomer("Acme")})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
	secondRows, err := f.manager.ExecuteTransaction(context.Background(), second, 0,
		[]*schema.Request{createCustomer("Globex")})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}

	// The table counter is shared, so the two tenants draw distinct ids.
	if firstRows[0].Record.GetID() == secondRows[0].Record.GetID() {
		t.Fatalf("both tenants drew id %d", firstRows[0].Record.GetID())
	}
	if firstRows[0].Record.GetID() != 1 || secondRows[0].Record.GetID() != 2 {
		t.Fatalf("unexpected ids %d and %d", firstRows[0].Record.GetID(), secondRows[0].Record.GetID())
	}
}

func TestExecuteTransactionRefusesUnknownConnection(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.manager.ExecuteTransaction(context.Background(),
		engine.Session{ConnectionID: "missing", Machine: "nowhere"}, 0,
		[]*schema.Request{createCustomer("Acme")})
	if !errors.Is(err, engine.ErrConnectionRefused) {
		t.Fatalf("expected refused error, got %v", err)
	}
}

func TestExecuteTransactionRefusesBeforeHandshake(t *testing.T) {
	f := newFixture(t, true)
	session, err := f.manager.OpenConnection(context.Background(), testTenant, testUser, "workstation-1", false)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	_, err = f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{createCustomer("Acme")})
	if !errors.Is(err, engine.ErrConnectionRefused) {
		t.Fatalf("expected refused error, got %v", err)
	}
}

func TestExecuteTransactionWorksWithCacheDisabled(t *testing.T) {
	f := newFixture(t, false)
	session := f.openSession(t)

	rows, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{createCustomer("Acme")})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
	id := rows[0].Record.GetID()

	update := &schematest.Customer{Meta: record.NewMeta(), Name: "Acme Corp"}
	update.SetID(id)
	updated, err := f.manager.ExecuteTransaction(context.Background(), session, 1,
		[]*schema.Request{{Table: "Customer", Action: schema.ActionUpdate, RecordID: id, Payload: update}})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated[0].Record.GetTick() != 2 {
		t.Fatalf("expected tick 2, got %d", updated[0].Record.GetTick())
	}

	table, _ := f.registry.Lookup("Customer")
	row, err := table.GetRecord(f.db, id, testTenant)
	if err != nil || row == nil {
		t.Fatalf("unexpected store read: row=%v err=%v", row, err)
	}
	if row.Record.(*schematest.Customer).Name != "Acme Corp" {
		t.Fatalf("update not persisted: %+v", row.Record)
	}
}

func TestExecuteTransactionRejectsTableOutsideArea(t *testing.T) {
	f := newFixture(t, true)
	session := f.openSession(t)

	_, err := f.manager.ExecuteTransaction(context.Background(), session, 0,
		[]*schema.Request{{Table: "Unknown", Action: schema.ActionCreate, Payload: &schematest.Customer{Meta: record.NewMeta(), Name: "x"}}})
	if err == nil {
		t.Fatal("expected unknown-table error")
	}
}
