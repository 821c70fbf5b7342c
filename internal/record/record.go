// Package record defines the entity shapes synchronized by the engine: the
// Record contract every synchronized row implements, the Information
// provenance row paired 1:1 with it, and the Connection row gating sessions.
package record

import "time"

// UnsetID marks a record that has not been assigned a persistent identifier.
const UnsetID int64 = -1

// Record is the contract every synchronized entity implements. Equality is
// structural, field by field, and is used to detect no-op updates; Clone
// returns a deep copy so caches never alias caller-owned instances.
type Record interface {
	TableName() string
	GetID() int64
	SetID(id int64)
	GetTick() int64
	SetTick(tick int64)
	GetDeleted() bool
	SetDeleted(deleted bool)
	Clone() Record
	Equal(other Record) bool
}

// Meta is the embeddable base for synchronized entities. Tick and Deleted are
// runtime bookkeeping and are never persisted with the row.
type Meta struct {
	ID      int64 `gorm:"column:id;primaryKey;autoIncrement:false"`
	Tick    int64 `gorm:"-"`
	Deleted bool  `gorm:"-"`
}

// NewMeta returns a Meta for a transient record.
func NewMeta() Meta {
	return Meta{ID: UnsetID}
}

func (m *Meta) GetID() int64 {
	return m.ID
}

func (m *Meta) SetID(id int64) {
	m.ID = id
}

func (m *Meta) GetTick() int64 {
	return m.Tick
}

func (m *Meta) SetTick(tick int64) {
	m.Tick = tick
}

func (m *Meta) GetDeleted() bool {
	return m.Deleted
}

func (m *Meta) SetDeleted(deleted bool) {
	m.Deleted = deleted
}

// StringPtrEqual reports equality of optional string fields, treating an
// absent value and an empty string as the same thing.
func StringPtrEqual(a, b *string) bool {
	left := ""
	if a != nil {
		left = *a
	}
	right := ""
	if b != nil {
		right = *b
	}
	return left == right
}

// Int64PtrEqual reports equality of optional integer fields.
func Int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// TimePtrEqual reports equality of optional timestamps at instant precision.
func TimePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// CloneStringPtr copies an optional string field.
func CloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CloneInt64Ptr copies an optional integer field.
func CloneInt64Ptr(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CloneTimePtr copies an optional timestamp field.
func CloneTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
