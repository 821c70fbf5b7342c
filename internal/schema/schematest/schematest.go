// Package schematest provides a small fixture area ("sales" with Customer and
// Order tables) plus an in-memory database opener shared by the engine, cache
// and notification tests.
package schematest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/nortide/tessera/internal/record"
	"github.com/nortide/tessera/internal/schema"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AreaSales is the fixture area every helper registers tables under.
const AreaSales = "sales"

// Customer is the parent fixture table.
type Customer struct {
	record.Meta
	Name string  `gorm:"column:name;size:190;not null"`
	Plan *string `gorm:"column:plan;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (Customer) TableName() string {
	return "Customer"
}

// Clone returns a deep copy.
func (c *Customer) Clone() record.Record {
	clone := *c
	clone.Plan = record.CloneStringPtr(c.Plan)
	return &clone
}

// Equal reports structural equality, excluding runtime meta.
func (c *Customer) Equal(other record.Record) bool {
	candidate, ok := other.(*Customer)
	if !ok {
		return false
	}
	return c.Name == candidate.Name && record.StringPtrEqual(c.Plan, candidate.Plan)
}

// Order is the child fixture table; it references Customer.
type Order struct {
	record.Meta
	CustomerRecordID int64   `gorm:"column:customer_record_id;not null"`
	Reference        string  `gorm:"column:reference;size:190;not null"`
	Quantity         int64   `gorm:"column:quantity;not null"`
	Note             *string `gorm:"column:note;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (Order) TableName() string {
	return "Order"
}

// Clone returns a deep copy.
func (o *Order) Clone() record.Record {
	clone := *o
	clone.Note = record.CloneStringPtr(o.Note)
	return &clone
}

// Equal reports structural equality, excluding runtime meta.
func (o *Order) Equal(other record.Record) bool {
	candidate, ok := other.(*Order)
	if !ok {
		return false
	}
	return o.CustomerRecordID == candidate.CustomerRecordID &&
		o.Reference == candidate.Reference &&
		o.Quantity == candidate.Quantity &&
		record.StringPtrEqual(o.Note, candidate.Note)
}

// NewCustomerTable returns the Customer adapter at parent priority.
func NewCustomerTable() *schema.GormTable[Customer, *Customer] {
	return schema.NewGormTable[Customer, *Customer](10)
}

// NewOrderTable returns the Order adapter at child priority.
func NewOrderTable() *schema.GormTable[Order, *Order] {
	return schema.NewGormTable[Order, *Order](20)
}

// NewRegistry registers both fixture tables under the sales area.
func NewRegistry(tb testing.TB) *schema.Registry {
	tb.Helper()
	registry := schema.NewRegistry()
	if err := registry.Register(AreaSales, NewCustomerTable()); err != nil {
		tb.Fatalf("unexpected customer registration error: %v", err)
	}
	if err := registry.Register(AreaSales, NewOrderTable()); err != nil {
		tb.Fatalf("unexpected order registration error: %v", err)
	}
	return registry
}

// OpenDatabase returns a fresh in-memory SQLite database with the fixture
// tables and the shared bookkeeping tables migrated.
func OpenDatabase(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		tb.Fatalf("unexpected sqlite open error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("unexpected sql handle error: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	tb.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(
		&record.Information{}, &record.Connection{}, &record.Parameter{},
		&record.RequestID{}, &record.RequestLog{}, &record.SequenceID{}, &record.Ping{},
		&Customer{}, &Order{},
	); err != nil {
		tb.Fatalf("unexpected migration error: %v", err)
	}
	return db
}
