package record

import "strings"

// Connection is one live client session. Exactly one row exists per
// (ConnectionID, Machine) pair; every operation after the handshake is gated
// on this row existing with Allow and Status set.
type Connection struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID     string `gorm:"column:connection_id;size:190;not null;uniqueIndex:idx_connection_machine,priority:1"`
	Machine          string `gorm:"column:machine;size:190;not null;uniqueIndex:idx_connection_machine,priority:2"`
	CustomerID       int64  `gorm:"column:customer_id;not null"`
	UserID           int64  `gorm:"column:user_id;not null"`
	Allow            bool   `gorm:"column:allow;not null;default:false"`
	Profile          string `gorm:"column:profile;size:190;not null;default:''"`
	Area             string `gorm:"column:area;size:190;not null;default:''"`
	ModuleID         int64  `gorm:"column:module_id;not null;default:0"`
	Status           bool   `gorm:"column:status;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	PingedAtSeconds  int64  `gorm:"column:pinged_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Connection) TableName() string {
	return "_connection"
}

// CanTransact reports whether the session may submit transactions: it must be
// authorized, have completed the handshake, and be bound to an area.
func (c *Connection) CanTransact() bool {
	return c.Allow && c.Status && strings.TrimSpace(c.Area) != ""
}
