package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/nortide/tessera/internal/record"
	"gorm.io/gorm"
)

// recordPointer constrains a pointer-to-struct type that satisfies the
// record contract.
type recordPointer[T any] interface {
	*T
	record.Record
}

// GormTable adapts a GORM-mapped record type into the Table contract. It
// covers the common case of a plain tenant-scoped table: creates insert the
// row and its provenance, updates short-circuit on structural equality, and
// deletes only stamp the provenance row.
type GormTable[T any, PT recordPointer[T]] struct {
	name     string
	priority int
	clock    func() time.Time
}

// NewGormTable builds the adapter; the table name comes from the record type
// itself.
func NewGormTable[T any, PT recordPointer[T]](priority int) *GormTable[T, PT] {
	var probe T
	return &GormTable[T, PT]{
		name:     PT(&probe).TableName(),
		priority: priority,
		clock:    time.Now,
	}
}

// WithClock overrides the provenance timestamp source.
func (t *GormTable[T, PT]) WithClock(clock func() time.Time) *GormTable[T, PT] {
	if clock != nil {
		t.clock = clock
	}
	return t
}

func (t *GormTable[T, PT]) Name() string {
	return t.name
}

func (t *GormTable[T, PT]) Priority() int {
	return t.priority
}

func (t *GormTable[T, PT]) NewRecord() record.Record {
	var value T
	rec := PT(&value)
	rec.SetID(record.UnsetID)
	return rec
}

// ReadTable loads every row the tenant can see, global rows included. A
// negative tenant id loads the whole table.
func (t *GormTable[T, PT]) ReadTable(db *gorm.DB, tenantID int64) ([]Row, error) {
	query := db.Where("table_name = ?", t.name)
	if tenantID >= 0 {
		query = query.Where("customer_id = ? OR customer_id < 0", tenantID)
	}
	var infos []record.Information
	if err := query.Find(&infos).Error; err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(infos))
	for i := range infos {
		ids = append(ids, infos[i].RecordID)
	}
	var values []T
	if err := db.Where("id IN ?", ids).Find(&values).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]PT, len(values))
	for i := range values {
		rec := PT(&values[i])
		byID[rec.GetID()] = rec
	}

	rows := make([]Row, 0, len(infos))
	for i := range infos {
		info := infos[i]
		rec, ok := byID[info.RecordID]
		if !ok {
			return nil, fmt.Errorf("schema: table %q row %d has provenance but no data row", t.name, info.RecordID)
		}
		rec.SetTick(info.LatestTick())
		rec.SetDeleted(info.IsDeleted())
		rows = append(rows, Row{Record: rec, Information: &info})
	}
	return rows, nil
}

// GetRecord fetches one row with its provenance; nil without error when the
// row does not exist or is not visible to the tenant.
func (t *GormTable[T, PT]) GetRecord(db *gorm.DB, id int64, tenantID int64) (*Row, error) {
	var info record.Information
	err := db.Where("table_name = ? AND record_id = ?", t.name, id).Take(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tenantID >= 0 && !info.IsGlobal() && info.CustomerID != tenantID {
		return nil, nil
	}

	var value T
	err = db.Where("id = ?", id).Take(&value).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := PT(&value)
	rec.SetTick(info.LatestTick())
	rec.SetDeleted(info.IsDeleted())
	return &Row{Record: rec, Information: &info}, nil
}

// OnBeforeExecuteRequest validates the request shape before any write of the
// batch happens.
func (t *GormTable[T, PT]) OnBeforeExecuteRequest(db *gorm.DB, ctx RequestContext, req *Request) error {
	switch req.Action {
	case ActionCreate, ActionUpdate:
		if req.Payload == nil {
			return fmt.Errorf("%w: %s %s", ErrMissingPayload, req.Action, t.name)
		}
	case ActionDelete:
		if req.RecordID <= 0 {
			return fmt.Errorf("%w: delete %s without record id", ErrRowNotFound, t.name)
		}
	default:
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, req.Action, t.name)
	}
	return nil
}

// ExecuteRequests applies the batch in order. Each request yields exactly one
// row; a failure aborts the remainder so the surrounding transaction rolls
// back as a whole.
func (t *GormTable[T, PT]) ExecuteRequests(db *gorm.DB, ctx RequestContext, batch []*Request) ([]Row, error) {
	rows := make([]Row, 0, len(batch))
	for _, req := range batch {
		var (
			row Row
			err error
		)
		switch req.Action {
		case ActionCreate:
			row, err = t.executeCreate(db, ctx, req)
		case ActionUpdate:
			row, err = t.executeUpdate(db, ctx, req)
		case ActionDelete:
			row, err = t.executeDelete(db, ctx, req)
		default:
			err = fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, req.Action, t.name)
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (t *GormTable[T, PT]) executeCreate(db *gorm.DB, ctx RequestContext, req *Request) (Row, error) {
	rec := req.Payload
	if rec == nil {
		return Row{}, fmt.Errorf("%w: create %s", ErrMissingPayload, t.name)
	}
	if rec.GetID() <= 0 {
		return Row{}, fmt.Errorf("%w: create %s", ErrUnassignedID, t.name)
	}
	if err := db.Create(rec).Error; err != nil {
		return Row{}, err
	}
	info := &record.Information{
		CustomerID: ctx.TenantID,
		Table:      t.name,
		RecordID:   rec.GetID(),
		CreateID:   record.CloneStringPtr(req.CreateID),
	}
	info.TouchCreate(req.Tick, ctx.UserID, t.clock())
	if err := db.Create(info).Error; err != nil {
		return Row{}, err
	}
	rec.SetTick(req.Tick)
	rec.SetDeleted(false)
	return Row{Record: rec, Information: info}, nil
}

func (t *GormTable[T, PT]) executeUpdate(db *gorm.DB, ctx RequestContext, req *Request) (Row, error) {
	existing, err := t.GetRecord(db, req.Payload.GetID(), ctx.TenantID)
	if err != nil {
		return Row{}, err
	}
	if existing == nil || existing.Information.IsDeleted() {
		return Row{}, fmt.Errorf("%w: update %s/%d", ErrRowNotFound, t.name, req.Payload.GetID())
	}
	if existing.Record.Equal(req.Payload) {
		// No-op update: nothing written, the stored tick stands.
		return *existing, nil
	}
	if err := db.Save(req.Payload).Error; err != nil {
		return Row{}, err
	}
	info := existing.Information
	info.TouchUpdate(req.Tick, ctx.UserID, t.clock())
	if err := db.Save(info).Error; err != nil {
		return Row{}, err
	}
	req.Payload.SetTick(req.Tick)
	req.Payload.SetDeleted(false)
	return Row{Record: req.Payload, Information: info}, nil
}

func (t *GormTable[T, PT]) executeDelete(db *gorm.DB, ctx RequestContext, req *Request) (Row, error) {
	existing, err := t.GetRecord(db, req.RecordID, ctx.TenantID)
	if err != nil {
		return Row{}, err
	}
	if existing == nil {
		return Row{}, fmt.Errorf("%w: delete %s/%d", ErrRowNotFound, t.name, req.RecordID)
	}
	info := existing.Information
	if !info.IsDeleted() {
		info.TouchDelete(req.Tick, ctx.UserID, t.clock())
		if err := db.Save(info).Error; err != nil {
			return Row{}, err
		}
	}
	existing.Record.SetTick(info.LatestTick())
	existing.Record.SetDeleted(true)
	return *existing, nil
}

// OnAfterExecuteRequest is a hook point for derived tables; the base adapter
// has nothing to do.
func (t *GormTable[T, PT]) OnAfterExecuteRequest(db *gorm.DB, ctx RequestContext, req *Request, row Row) error {
	return nil
}
