// Package schema defines the collaborator surface between the sync engine
// and the table layer: what a synchronized table must expose for bulk loads,
// single-row fetches and request execution, plus the area registry the
// engine and caches iterate in foreign-key-safe priority order.
package schema

import (
	"errors"

	"github.com/nortide/tessera/internal/record"
	"gorm.io/gorm"
)

// Action names a row-level operation inside a client transaction.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var (
	// ErrMissingPayload indicates a create or update request without a record.
	ErrMissingPayload = errors.New("schema: request payload is required")
	// ErrRowNotFound indicates an update or delete against an unknown row.
	ErrRowNotFound = errors.New("schema: row not found")
	// ErrUnsupportedAction indicates an action the table cannot execute.
	ErrUnsupportedAction = errors.New("schema: unsupported action")
	// ErrUnassignedID indicates a create request whose record was never
	// assigned a persistent identifier by the executor.
	ErrUnassignedID = errors.New("schema: record id not assigned")
)

// Request is one row-level operation submitted by a client.
type Request struct {
	Table    string
	Action   Action
	RecordID int64
	Payload  record.Record
	CreateID *string

	// Tick is stamped by the executor from its reserved range before any
	// hook of the batch runs.
	Tick int64
}

// RequestContext carries the transaction-scoped identity passed to every
// hook and execution call.
type RequestContext struct {
	TenantID int64
	UserID   int64
	Area     string
	Profile  string
}

// Row pairs a synchronized record with its provenance.
type Row struct {
	Record      record.Record
	Information *record.Information
}

// Clone deep-copies both halves.
func (r Row) Clone() Row {
	clone := Row{}
	if r.Record != nil {
		clone.Record = r.Record.Clone()
	}
	if r.Information != nil {
		clone.Information = r.Information.Clone()
	}
	return clone
}

// Table is implemented by every synchronized table. The engine guarantees
// OnBeforeExecuteRequest runs once per sub-request, in submission order,
// before any ExecuteRequests call of the batch, and OnAfterExecuteRequest
// once per sub-request after the last one.
type Table interface {
	Name() string
	Priority() int
	NewRecord() record.Record
	ReadTable(db *gorm.DB, tenantID int64) ([]Row, error)
	GetRecord(db *gorm.DB, id int64, tenantID int64) (*Row, error)
	OnBeforeExecuteRequest(db *gorm.DB, ctx RequestContext, req *Request) error
	ExecuteRequests(db *gorm.DB, ctx RequestContext, batch []*Request) ([]Row, error)
	OnAfterExecuteRequest(db *gorm.DB, ctx RequestContext, req *Request, row Row) error
}
