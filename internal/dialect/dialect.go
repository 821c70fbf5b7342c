// Package dialect isolates the database-specific SQL the engine needs:
// existence probes, the advisory lock-row touch, uniqueness checks joined
// against the provenance table, and raw upgrade-script execution. The engine
// never branches on store type; it holds a Dialect.
package dialect

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrUnknownDialect indicates the open database uses a driver no adapter
	// covers.
	ErrUnknownDialect = errors.New("dialect: unsupported database dialect")
	// ErrScriptFailed indicates an upgrade script aborted; the remaining
	// statements were not run and the upgrade must not be marked complete.
	ErrScriptFailed = errors.New("dialect: script execution failed")
)

// ParameterTable is the physical name of the key/value bookkeeping table the
// lock and tick rows live in.
const ParameterTable = "_parameter"

// InformationTable is the physical name of the provenance table uniqueness
// probes join against.
const InformationTable = "_information"

// TickKey names the per-tenant tick parameter row.
func TickKey(tenantID int64) string {
	return fmt.Sprintf("Database.Tick.%d", tenantID)
}

// LockKey names the per-tenant advisory lock parameter row.
func LockKey(tenantID int64) string {
	return fmt.Sprintf("Database.Lock.%d", tenantID)
}

// SequenceKey names a sequence-counter parameter row.
func SequenceKey(name string) string {
	return fmt.Sprintf("Database.Sequence.%s", name)
}

// VersionKey names the schema-version parameter row.
const VersionKey = "Database.Version"

// ExistValueQuery describes a uniqueness probe: does any live row of Table
// carry Value in Column, scoped and collated per the flags.
type ExistValueQuery struct {
	Table         string
	Column        string
	Value         string
	TenantID      int64
	TenantScoped  bool
	CaseSensitive bool

	// ExcludeID skips one row, so updates do not collide with themselves.
	// Zero means no exclusion.
	ExcludeID int64
}

// Dialect is the per-store capability surface.
type Dialect interface {
	Name() string
	ExistTable(db *gorm.DB, table string) (bool, error)
	ExistValue(db *gorm.DB, query ExistValueQuery) (bool, error)
	TouchLockRow(db *gorm.DB, tenantID int64) error
	SplitScript(script string) ([]string, error)
	ExecuteScript(db *gorm.DB, script string) error
}

// ForDB resolves the adapter matching the open database.
func ForDB(db *gorm.DB) (Dialect, error) {
	switch db.Dialector.Name() {
	case "sqlite":
		return NewSQLite(), nil
	case "mysql":
		return NewMySQL(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, db.Dialector.Name())
	}
}

func executeSplitScript(d Dialect, db *gorm.DB, script string) error {
	statements, err := d.SplitScript(script)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrScriptFailed, err)
	}
	for index, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return fmt.Errorf("%w: statement %d: %v", ErrScriptFailed, index+1, err)
		}
	}
	return nil
}
