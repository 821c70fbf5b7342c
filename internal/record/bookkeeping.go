package record

// Persisted bookkeeping rows owned by the engine: the key/value parameter
// table (ticks, advisory locks, sequences, schema version), the per-user
// request counter, the append-only request log, and liveness pings.

// Parameter is one key/value bookkeeping row.
type Parameter struct {
	Name  string `gorm:"column:name;primaryKey;size:190;not null"`
	Value string `gorm:"column:value;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Parameter) TableName() string {
	return "_parameter"
}

// RequestID stores the next accepted transaction id per user.
type RequestID struct {
	UserID int64 `gorm:"column:user_id;primaryKey;autoIncrement:false"`
	Value  int64 `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RequestID) TableName() string {
	return "_requestid"
}

// RequestLog is one append-only row per executed sub-request. It is both the
// audit trail and the source for incremental cache catch-up: a process whose
// cache tick trails the stored tick replays only the rows in between.
type RequestLog struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	CustomerID       int64  `gorm:"column:customer_id;not null;index:idx_request_tenant_tick,priority:1"`
	Tick             int64  `gorm:"column:tick;not null;index:idx_request_tenant_tick,priority:2"`
	Table            string `gorm:"column:table_name;size:190;not null"`
	RecordID         int64  `gorm:"column:record_id;not null"`
	Action           string `gorm:"column:action;size:40;not null"`
	UserID           int64  `gorm:"column:user_id;not null"`
	RequestID        int64  `gorm:"column:request_id;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RequestLog) TableName() string {
	return "_request"
}

// SequenceID reserves blocks of record identifiers per logical sequence.
type SequenceID struct {
	Name  string `gorm:"column:name;primaryKey;size:190;not null"`
	Value int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SequenceID) TableName() string {
	return "_sequenceid"
}

// Ping is a liveness heartbeat row per connection.
type Ping struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID     string `gorm:"column:connection_id;size:190;not null;index:idx_ping_connection"`
	Machine          string `gorm:"column:machine;size:190;not null"`
	PingedAtSeconds  int64  `gorm:"column:pinged_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Ping) TableName() string {
	return "_ping"
}
