package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nortide/tessera/internal/cache"
	"github.com/nortide/tessera/internal/dialect"
	"github.com/nortide/tessera/internal/notify"
	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opNewManager         = "engine.manager.new"
	opExecuteTransaction = "engine.execute_transaction"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingDialect  = errors.New("dialect is required")
	errMissingRegistry = errors.New("table registry is required")
	errMissingCache    = errors.New("read cache is required")
	noOpLogger         = zap.NewNop()
)

const (
	defaultConnectionTimeout = 15 * time.Minute
	defaultLotBytes          = 256 << 10
)

// Session identifies one client connection for every engine operation.
type Session struct {
	ConnectionID string
	Machine      string
}

// ManagerConfig describes the executor's dependencies.
type ManagerConfig struct {
	Database   *gorm.DB
	Dialect    dialect.Dialect
	Registry   *schema.Registry
	Cache      *cache.ReadCache
	Diff       *notify.DiffCache
	Dispatcher *notify.Dispatcher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger

	// ConnectionTimeout bounds connection liveness; rows not pinged within
	// it are pruned on the next OpenConnection.
	ConnectionTimeout time.Duration
	// LotBytes bounds the serialized size of one LoadTable chunk.
	LotBytes int
	// SchemaVersion is reported in the handshake payload.
	SchemaVersion string
}

// Manager is the request-id-ordered, idempotent, tick-stamped transaction
// executor.
type Manager struct {
	db         *gorm.DB
	dialect    dialect.Dialect
	registry   *schema.Registry
	cache      *cache.ReadCache
	diff       *notify.DiffCache
	dispatcher *notify.Dispatcher
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	timeout    time.Duration
	lotBytes   int
	version    string
	services   map[string]ServiceFunc
}

// NewManager validates the configuration and constructs the executor.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, newSyncError(opNewManager, "missing_database", errMissingDatabase)
	}
	if cfg.Dialect == nil {
		return nil, newSyncError(opNewManager, "missing_dialect", errMissingDialect)
	}
	if cfg.Registry == nil {
		return nil, newSyncError(opNewManager, "missing_registry", errMissingRegistry)
	}
	if cfg.Cache == nil {
		return nil, newSyncError(opNewManager, "missing_cache", errMissingCache)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	timeout := cfg.ConnectionTimeout
	if timeout <= 0 {
		timeout = defaultConnectionTimeout
	}
	lotBytes := cfg.LotBytes
	if lotBytes <= 0 {
		lotBytes = defaultLotBytes
	}
	return &Manager{
		db:         cfg.Database,
		dialect:    cfg.Dialect,
		registry:   cfg.Registry,
		cache:      cfg.Cache,
		diff:       cfg.Diff,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		timeout:    timeout,
		lotBytes:   lotBytes,
		version:    cfg.SchemaVersion,
		services:   make(map[string]ServiceFunc),
	}, nil
}

// EnsureTenant seeds the tenant's tick and lock parameter rows; it is
// idempotent and safe to call on every write path.
func EnsureTenant(db *gorm.DB, tenantID int64) error {
	params := []record.Parameter{
		{Name: dialect.TickKey(tenantID), Value: "0"},
		{Name: dialect.LockKey(tenantID), Value: ""},
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&params).Error
}

// ExecuteTransaction applies one ordered batch of row requests. It gates on
// the connection, enforces the request-id contract, reserves a tick per
// sub-request inside the tenant lock, runs the before hooks, executes,
// persists the request log, runs the after hooks, commits, installs the
// results into the read cache and publishes the notification differences.
//
// A failure after tick reservation still consumes the reserved tick range
// and the request-id increment; retries never reuse ticks.
func (m *Manager) ExecuteTransaction(ctx context.Context, session Session, requestID int64, requests []*schema.Request) ([]schema.Row, error) {
	db := m.db.WithContext(ctx)

	conn, err := m.connection(db, session)
	if err != nil {
		return nil, err
	}
	if !conn.CanTransact() {
		return nil, fmt.Errorf("%w: connection not adjusted for transactions", ErrConnectionRefused)
	}
	if len(requests) == 0 {
		return nil, nil
	}

	stored, err := m.storedRequestID(db, conn.UserID)
	if err != nil {
		return nil, newSyncError(opExecuteTransaction, "request_id_read_failed", err)
	}
	if requestID < stored {
		return nil, fmt.Errorf("%w: request %d already applied, next is %d", ErrRequestAlreadyExecuted, requestID, stored)
	}
	if requestID > stored {
		return nil, fmt.Errorf("%w: request %d ahead of expected %d", ErrRequestDesynchronized, requestID, stored)
	}

	tables := make([]schema.Table, len(requests))
	for i, req := range requests {
		table, ok := m.registry.Lookup(req.Table)
		if !ok || !m.registry.InArea(conn.Area, req.Table) {
			return nil, newSyncError(opExecuteTransaction, "unknown_table",
				fmt.Errorf("table %q not registered in area %q", req.Table, conn.Area))
		}
		tables[i] = table
	}

	if err := EnsureTenant(db, conn.CustomerID); err != nil {
		return nil, newSyncError(opExecuteTransaction, "tenant_seed_failed", err)
	}

	m.beginDiffCycle(db, session, conn, requests)

	rows, newTick, reserved, execErr := m.executeLocked(db, conn, requestID, requests, tables)
	if execErr != nil {
		if reserved {
			// The envelope rolled back; re-persist what survives an abort.
			m.persistAbortBookkeeping(db, conn, stored+1, newTick)
		}
		if m.diff != nil {
			// Retire the half-open image cycle.
			m.diff.GetDifferences(session.ConnectionID)
		}
		return nil, execErr
	}

	m.cache.Install(rows, conn.CustomerID, newTick)
	m.finishDiffCycle(session, conn, rows, newTick)
	m.touchConnection(db, conn)

	return rows, nil
}

// executeLocked runs steps 4-9 of the pipeline inside the tenant envelope.
// The envelope is closed (committed or rolled back) by the time it returns.
func (m *Manager) executeLocked(db *gorm.DB, conn *record.Connection, requestID int64, requests []*schema.Request, tables []schema.Table) (rows []schema.Row, newTick int64, reserved bool, err error) {
	lock, err := AcquireLock(db, m.dialect, conn.CustomerID)
	if err != nil {
		return nil, 0, false, newSyncError(opExecuteTransaction, "lock_failed", err)
	}
	defer lock.Close()
	tx := lock.Tx()

	baseTick, err := readTick(tx, conn.CustomerID)
	if err != nil {
		return nil, 0, false, newSyncError(opExecuteTransaction, "tick_read_failed", err)
	}
	newTick = baseTick + int64(len(requests))
	if err := writeTick(tx, conn.CustomerID, newTick); err != nil {
		return nil, 0, false, newSyncError(opExecuteTransaction, "tick_reserve_failed", err)
	}
	reserved = true

	rctx := schema.RequestContext{
		TenantID: conn.CustomerID,
		UserID:   conn.UserID,
		Area:     conn.Area,
		Profile:  conn.Profile,
	}

	// Before phase: ticks and fresh ids are assigned first so the hooks see
	// the final identity of every sub-request, in submission order.
	for i, req := range requests {
		req.Tick = baseTick + int64(i) + 1
		if req.Action == schema.ActionCreate && req.Payload != nil && req.Payload.GetID() <= 0 {
			id, seqErr := m.nextSequence(tx, req.Table)
			if seqErr != nil {
				return nil, newTick, reserved, m.fail(conn, "sequence_failed", seqErr)
			}
			req.Payload.SetID(id)
		}
		if req.Payload != nil && req.Payload.GetID() > 0 {
			req.RecordID = req.Payload.GetID()
		}
		if hookErr := tables[i].OnBeforeExecuteRequest(tx, rctx, req); hookErr != nil {
			return nil, newTick, reserved, m.fail(conn, "before_hook_failed", hookErr)
		}
	}

	// Execute phase, in contiguous same-table lots.
	rows = make([]schema.Row, 0, len(requests))
	for start := 0; start < len(requests); {
		end := start + 1
		for end < len(requests) && requests[end].Table == requests[start].Table {
			end++
		}
		lot := requests[start:end]
		lotRows, execErr := tables[start].ExecuteRequests(tx, rctx, lot)
		if execErr != nil {
			return nil, newTick, reserved, m.fail(conn, "execute_failed", execErr)
		}
		if len(lotRows) != len(lot) {
			return nil, newTick, reserved, m.fail(conn, "execute_result_mismatch",
				fmt.Errorf("table %q returned %d rows for %d requests", requests[start].Table, len(lotRows), len(lot)))
		}
		rows = append(rows, lotRows...)
		start = end
	}

	// Durable request log for the whole batch in one round trip.
	now := m.clock().UTC()
	logRows := make([]record.RequestLog, 0, len(requests))
	for i, req := range requests {
		logRows = append(logRows, record.RequestLog{
			CustomerID:       conn.CustomerID,
			Tick:             req.Tick,
			Table:            req.Table,
			RecordID:         rows[i].Record.GetID(),
			Action:           string(req.Action),
			UserID:           conn.UserID,
			RequestID:        requestID,
			CreatedAtSeconds: now.Unix(),
		})
	}
	if err := tx.Create(&logRows).Error; err != nil {
		return nil, newTick, reserved, m.fail(conn, "request_log_failed", err)
	}

	// After phase, in submission order.
	for i, req := range requests {
		if hookErr := tables[i].OnAfterExecuteRequest(tx, rctx, req, rows[i]); hookErr != nil {
			return nil, newTick, reserved, m.fail(conn, "after_hook_failed", hookErr)
		}
	}

	// One increment per accepted client transaction.
	if err := writeRequestID(tx, conn.UserID, requestID+1); err != nil {
		return nil, newTick, reserved, m.fail(conn, "request_id_write_failed", err)
	}

	if err := lock.Commit(); err != nil {
		return nil, newTick, reserved, m.fail(conn, "commit_failed", err)
	}
	return rows, newTick, reserved, nil
}

func (m *Manager) fail(conn *record.Connection, reason string, cause error) error {
	m.logError(opExecuteTransaction, reason, cause,
		zap.Int64("tenant_id", conn.CustomerID),
		zap.Int64("user_id", conn.UserID))
	return newSyncError(opExecuteTransaction, reason, cause)
}

// persistAbortBookkeeping re-applies, after the envelope rolled back, the
// state that deliberately survives an abort: the advanced tick and the
// request-id increment. A conflicting concurrent write is retried once.
func (m *Manager) persistAbortBookkeeping(db *gorm.DB, conn *record.Connection, nextRequestID, reservedTick int64) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if lastErr = m.saveAbortState(db, conn, nextRequestID, reservedTick); lastErr == nil {
			return
		}
	}
	m.logError(opExecuteTransaction, "abort_bookkeeping_failed", lastErr,
		zap.Int64("tenant_id", conn.CustomerID),
		zap.Int64("user_id", conn.UserID))
}

func (m *Manager) saveAbortState(db *gorm.DB, conn *record.Connection, nextRequestID, reservedTick int64) error {
	lock, err := AcquireLock(db, m.dialect, conn.CustomerID)
	if err != nil {
		return err
	}
	defer lock.Close()
	tx := lock.Tx()

	current, err := readTick(tx, conn.CustomerID)
	if err != nil {
		return err
	}
	if reservedTick > current {
		if err := writeTick(tx, conn.CustomerID, reservedTick); err != nil {
			return err
		}
	}
	stored, err := m.storedRequestID(tx, conn.UserID)
	if err != nil {
		return err
	}
	if nextRequestID > stored {
		if err := writeRequestID(tx, conn.UserID, nextRequestID); err != nil {
			return err
		}
	}
	return lock.Commit()
}

// beginDiffCycle captures the before image of every pair the batch names.
// Creates without an id yet have no before image by definition.
func (m *Manager) beginDiffCycle(db *gorm.DB, session Session, conn *record.Connection, requests []*schema.Request) {
	if m.diff == nil {
		return
	}
	m.diff.SetBefore(session.ConnectionID)
	for _, req := range requests {
		id := req.RecordID
		if req.Payload != nil && req.Payload.GetID() > 0 {
			id = req.Payload.GetID()
		}
		if id <= 0 {
			continue
		}
		var prior record.Record
		if row := m.cache.GetRow(req.Table, id, conn.CustomerID); row != nil {
			prior = row.Record
		} else if table, ok := m.registry.Lookup(req.Table); ok {
			// A cache miss still reads through: the tenant may not be warmed
			// yet, and a missing before image would misreport the difference.
			if row, err := table.GetRecord(db, id, conn.CustomerID); err == nil && row != nil {
				prior = row.Record
			}
		}
		m.diff.Set(session.ConnectionID, req.Table, id, prior)
	}
}

// finishDiffCycle records the after images, computes the differences and
// publishes them to the tenant's subscribers.
func (m *Manager) finishDiffCycle(session Session, conn *record.Connection, rows []schema.Row, tick int64) {
	if m.diff == nil {
		return
	}
	m.diff.SetAfter(session.ConnectionID)
	for _, row := range rows {
		if row.Record == nil {
			continue
		}
		m.diff.Set(session.ConnectionID, row.Record.TableName(), row.Record.GetID(), row.Record)
	}
	differences := m.diff.GetDifferences(session.ConnectionID)
	if m.dispatcher == nil || len(differences) == 0 {
		return
	}
	m.dispatcher.Publish(notify.ChangeMessage{
		TenantID:    conn.CustomerID,
		Tick:        tick,
		Differences: differences,
		Timestamp:   m.clock().UTC(),
	})
}

func (m *Manager) connection(db *gorm.DB, session Session) (*record.Connection, error) {
	var conn record.Connection
	err := db.Where("connection_id = ? AND machine = ?", session.ConnectionID, session.Machine).Take(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: unknown connection", ErrConnectionRefused)
	}
	if err != nil {
		return nil, newSyncError(opExecuteTransaction, "connection_read_failed", err)
	}
	if !conn.Allow {
		return nil, fmt.Errorf("%w: connection not allowed", ErrConnectionRefused)
	}
	return &conn, nil
}

func (m *Manager) storedRequestID(db *gorm.DB, userID int64) (int64, error) {
	var row record.RequestID
	err := db.Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Value, nil
}

func writeRequestID(db *gorm.DB, userID, value int64) error {
	row := record.RequestID{UserID: userID, Value: value}
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func readTick(db *gorm.DB, tenantID int64) (int64, error) {
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
	return strconv.ParseInt(param.Value, 10, 64)
}

func writeTick(db *gorm.DB, tenantID, tick int64) error {
	param := record.Parameter{Name: dialect.TickKey(tenantID), Value: strconv.FormatInt(tick, 10)}
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&param).Error
}

func (m *Manager) nextSequence(db *gorm.DB, name string) (int64, error) {
	var seq record.SequenceID
	// The row lock keeps two transactions from reading the same counter value
	// on drivers that run them concurrently.
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).Take(&seq).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		seq = record.SequenceID{Name: name}
	} else if err != nil {
		return 0, err
	}
	seq.Value++
	if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&seq).Error; err != nil {
		return 0, err
	}
	return seq.Value, nil
}

func (m *Manager) touchConnection(db *gorm.DB, conn *record.Connection) {
	err := db.Model(&record.Connection{}).
		Where("id = ?", conn.ID).
		Update("pinged_at_s", m.clock().UTC().Unix()).Error
	if err != nil {
		m.logError(opExecuteTransaction, "connection_touch_failed", err,
			zap.String("connection_id", conn.ConnectionID))
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("sync engine error", attrs...)
}
