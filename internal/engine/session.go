package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opOpenConnection  = "engine.open_connection"
	opInitialize      = "engine.initialize"
	opLoadTable       = "engine.load_table"
	opExecuteService  = "engine.execute_service"
	opPing            = "engine.ping"
	opCloseConnection = "engine.close_connection"
)

// Handshake is the payload returned by Initialize: everything a client needs
// to start submitting transactions.
type Handshake struct {
	ConnectionID  string `json:"connectionId"`
	SchemaVersion string `json:"schemaVersion"`
	Tick          int64  `json:"tick"`
	RequestID     int64  `json:"requestId"`
}

// Lot is one chunk of a table load, bounded by the configured byte budget.
type Lot struct {
	Records []record.Record `json:"records"`
}

// ServiceFunc is a named server-side operation invoked through the same
// connection gate as transactions.
type ServiceFunc func(ctx context.Context, rctx schema.RequestContext, payload json.RawMessage) (json.RawMessage, error)

// RegisterService binds a named service. Registration happens during wiring,
// before the manager serves requests.
func (m *Manager) RegisterService(name string, fn ServiceFunc) error {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return newSyncError(opExecuteService, "invalid_registration", fmt.Errorf("service name and function are required"))
	}
	if _, exists := m.services[name]; exists {
		return newSyncError(opExecuteService, "duplicate_service", fmt.Errorf("service %q already registered", name))
	}
	m.services[name] = fn
	return nil
}

// OpenConnection creates the connection row for one client session and
// returns its session handle. Stale rows past the liveness timeout are
// pruned first. A live row for the same user and machine is replaced when
// the client declares itself already connected, refused otherwise.
func (m *Manager) OpenConnection(ctx context.Context, tenantID, userID int64, machine string, alreadyConnected bool) (Session, error) {
	db := m.db.WithContext(ctx)
	machine = strings.TrimSpace(machine)
	if machine == "" {
		return Session{}, newSyncError(opOpenConnection, "missing_machine", fmt.Errorf("machine identifier is required"))
	}

	m.pruneStaleConnections(db)

	var existing []record.Connection
	err := db.Where("customer_id = ? AND user_id = ? AND machine = ?", tenantID, userID, machine).Find(&existing).Error
	if err != nil {
		return Session{}, newSyncError(opOpenConnection, "connection_scan_failed", err)
	}
	if len(existing) > 0 {
		if !alreadyConnected {
			return Session{}, fmt.Errorf("%w: user %d already connected from machine %q", ErrConnectionRefused, userID, machine)
		}
		err = db.Where("customer_id = ? AND user_id = ? AND machine = ?", tenantID, userID, machine).Delete(&record.Connection{}).Error
		if err != nil {
			return Session{}, newSyncError(opOpenConnection, "connection_replace_failed", err)
		}
	}

	connectionID, err := m.idProvider.NewID()
	if err != nil {
		return Session{}, newSyncError(opOpenConnection, "id_failed", err)
	}
	now := m.clock().UTC().Unix()
	conn := record.Connection{
		ConnectionID:     connectionID,
		Machine:          machine,
		CustomerID:       tenantID,
		UserID:           userID,
		Allow:            true,
		Status:           false,
		CreatedAtSeconds: now,
		PingedAtSeconds:  now,
	}
	if err := db.Create(&conn).Error; err != nil {
		return Session{}, newSyncError(opOpenConnection, "connection_create_failed", err)
	}
	m.logger.Info("connection opened",
		zap.String("operation", opOpenConnection),
		zap.Int64("tenant_id", tenantID),
		zap.Int64("user_id", userID),
		zap.String("connection_id", connectionID))
	return Session{ConnectionID: connectionID, Machine: machine}, nil
}

// Initialize completes the handshake: binds the connection to an area and
// module, flips Status, and reports the tenant tick along with the user's
// next expected request id.
func (m *Manager) Initialize(ctx context.Context, session Session, area string, moduleID int64) (Handshake, error) {
	db := m.db.WithContext(ctx)
	conn, err := m.connection(db, session)
	if err != nil {
		return Handshake{}, err
	}
	area = strings.TrimSpace(area)
	if area == "" || !m.registry.HasArea(area) {
		return Handshake{}, fmt.Errorf("%w: unknown area %q", ErrConnectionRefused, area)
	}

	if err := EnsureTenant(db, conn.CustomerID); err != nil {
		return Handshake{}, newSyncError(opInitialize, "tenant_seed_failed", err)
	}

	conn.Area = area
	conn.ModuleID = moduleID
	conn.Status = true
	conn.PingedAtSeconds = m.clock().UTC().Unix()
	if err := db.Save(conn).Error; err != nil {
		return Handshake{}, newSyncError(opInitialize, "connection_update_failed", err)
	}

	tick, err := readTick(db, conn.CustomerID)
	if err != nil {
		return Handshake{}, newSyncError(opInitialize, "tick_read_failed", err)
	}
	requestID, err := m.storedRequestID(db, conn.UserID)
	if err != nil {
		return Handshake{}, newSyncError(opInitialize, "request_id_read_failed", err)
	}
	return Handshake{
		ConnectionID:  session.ConnectionID,
		SchemaVersion: m.version,
		Tick:          tick,
		RequestID:     requestID,
	}, nil
}

// LoadTable reads every visible row of one table for the session's tenant
// and chunks the records into lots bounded by the byte budget. A single
// record larger than the budget still travels, alone in its lot.
func (m *Manager) LoadTable(ctx context.Context, session Session, tableName string) ([]Lot, error) {
	db := m.db.WithContext(ctx)
	conn, err := m.connection(db, session)
	if err != nil {
		return nil, err
	}
	if !conn.CanTransact() {
		return nil, fmt.Errorf("%w: connection not adjusted for reads", ErrConnectionRefused)
	}
	table, ok := m.registry.Lookup(tableName)
	if !ok || !m.registry.InArea(conn.Area, tableName) {
		return nil, newSyncError(opLoadTable, "unknown_table",
			fmt.Errorf("table %q not registered in area %q", tableName, conn.Area))
	}

	// Catch the cache up with the request log first so a read never serves
	// rows another node has since overwritten. A failing catch-up degrades to
	// whatever the cache holds rather than refusing the read.
	if err := m.cache.UpdateCache(ctx, conn.CustomerID); err != nil {
		m.logError(opLoadTable, "cache_catch_up_failed", err,
			zap.Int64("customer_id", conn.CustomerID))
	}

	// An empty result also reads through: the tenant may not be warmed yet.
	records := m.cache.GetRecords(tableName, conn.CustomerID)
	if len(records) == 0 {
		rows, readErr := table.ReadTable(db, conn.CustomerID)
		if readErr != nil {
			return nil, newSyncError(opLoadTable, "read_failed", readErr)
		}
		records = make([]record.Record, 0, len(rows))
		for _, row := range rows {
			if row.Record == nil || row.Record.GetDeleted() {
				continue
			}
			records = append(records, row.Record)
		}
	}

	lots := make([]Lot, 0, 1)
	current := Lot{}
	currentBytes := 0
	for _, rec := range records {
		encoded, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return nil, newSyncError(opLoadTable, "encode_failed", marshalErr)
		}
		if currentBytes > 0 && currentBytes+len(encoded) > m.lotBytes {
			lots = append(lots, current)
			current = Lot{}
			currentBytes = 0
		}
		current.Records = append(current.Records, rec)
		currentBytes += len(encoded)
	}
	if len(current.Records) > 0 {
		lots = append(lots, current)
	}
	return lots, nil
}

// ExecuteService runs a registered named service under the transaction gate.
func (m *Manager) ExecuteService(ctx context.Context, session Session, name string, payload json.RawMessage) (json.RawMessage, error) {
	db := m.db.WithContext(ctx)
	conn, err := m.connection(db, session)
	if err != nil {
		return nil, err
	}
	if !conn.CanTransact() {
		return nil, fmt.Errorf("%w: connection not adjusted for services", ErrConnectionRefused)
	}
	fn, ok := m.services[name]
	if !ok {
		return nil, newSyncError(opExecuteService, "unknown_service", fmt.Errorf("service %q not registered", name))
	}
	rctx := schema.RequestContext{
		TenantID: conn.CustomerID,
		UserID:   conn.UserID,
		Area:     conn.Area,
		Profile:  conn.Profile,
	}
	result, err := fn(ctx, rctx, payload)
	if err != nil {
		return nil, newSyncError(opExecuteService, "service_failed", err)
	}
	m.touchConnection(db, conn)
	return result, nil
}

// Ping records a heartbeat for the session.
func (m *Manager) Ping(ctx context.Context, session Session) error {
	db := m.db.WithContext(ctx)
	conn, err := m.connection(db, session)
	if err != nil {
		return err
	}
	ping := record.Ping{
		ConnectionID:    conn.ConnectionID,
		Machine:         conn.Machine,
		PingedAtSeconds: m.clock().UTC().Unix(),
	}
	if err := db.Create(&ping).Error; err != nil {
		return newSyncError(opPing, "heartbeat_failed", err)
	}
	m.touchConnection(db, conn)
	return nil
}

// Connection resolves the session to its connection row; the transport layer
// uses it to scope subscriptions to the session's tenant.
func (m *Manager) Connection(ctx context.Context, session Session) (*record.Connection, error) {
	return m.connection(m.db.WithContext(ctx), session)
}

// CloseConnection removes the session's connection row. Closing an unknown
// session is not an error.
func (m *Manager) CloseConnection(ctx context.Context, session Session) error {
	db := m.db.WithContext(ctx)
	err := db.Where("connection_id = ? AND machine = ?", session.ConnectionID, session.Machine).
		Delete(&record.Connection{}).Error
	if err != nil {
		return newSyncError(opCloseConnection, "connection_delete_failed", err)
	}
	m.logger.Info("connection closed",
		zap.String("operation", opCloseConnection),
		zap.String("connection_id", session.ConnectionID))
	return nil
}

// pruneStaleConnections drops rows whose last ping predates the liveness
// timeout. Best effort; failures are logged, not surfaced.
func (m *Manager) pruneStaleConnections(db *gorm.DB) {
	cutoff := m.clock().UTC().Add(-m.timeout).Unix()
	result := db.Where("pinged_at_s < ?", cutoff).Delete(&record.Connection{})
	if result.Error != nil {
		m.logError(opOpenConnection, "prune_failed", result.Error)
		return
	}
	if result.RowsAffected > 0 {
		m.logger.Info("stale connections pruned",
			zap.String("operation", opOpenConnection),
			zap.Int64("count", result.RowsAffected))
	}
}
