package dialect

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SQLite adapts the engine's store capabilities to SQLite semantics.
type SQLite struct {
	splitter scriptSplitter
}

// NewSQLite returns the SQLite adapter.
func NewSQLite() *SQLite {
	return &SQLite{}
}

func (d *SQLite) Name() string {
	return "sqlite"
}

// ExistTable probes sqlite_master for the table.
func (d *SQLite) ExistTable(db *gorm.DB, table string) (bool, error) {
	var count int64
	err := db.Raw(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?",
		table,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ExistValue runs the uniqueness probe joined against the provenance table.
// SQLite compares text case-sensitively by default, so the insensitive form
// lowers both sides.
func (d *SQLite) ExistValue(db *gorm.DB, query ExistValueQuery) (bool, error) {
	comparison := fmt.Sprintf("t.%q = ?", query.Column)
	value := query.Value
	if !query.CaseSensitive {
		comparison = fmt.Sprintf("lower(t.%q) = lower(?)", query.Column)
	}

	sql := fmt.Sprintf(
		"SELECT COUNT(*) FROM %q t JOIN %s i ON i.table_name = ? AND i.record_id = t.id WHERE i.delete_tick IS NULL AND %s",
		query.Table, InformationTable, comparison,
	)
	args := []interface{}{query.Table, value}
	if query.TenantScoped {
		sql += " AND (i.customer_id = ? OR i.customer_id < 0)"
		args = append(args, query.TenantID)
	}
	if query.ExcludeID != 0 {
		sql += " AND t.id <> ?"
		args = append(args, query.ExcludeID)
	}

	var count int64
	if err := db.Raw(sql, args...).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// TouchLockRow stamps the tenant's advisory lock row, taking a write lock on
// it so concurrent writers for the tenant serialize.
func (d *SQLite) TouchLockRow(db *gorm.DB, tenantID int64) error {
	result := db.Exec(
		fmt.Sprintf("UPDATE %s SET value = ? WHERE name = ?", ParameterTable),
		time.Now().UTC().Format(time.RFC3339Nano),
		LockKey(tenantID),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dialect: lock row %s missing", LockKey(tenantID))
	}
	return nil
}

func (d *SQLite) SplitScript(script string) ([]string, error) {
	return d.splitter.split(script)
}

func (d *SQLite) ExecuteScript(db *gorm.DB, script string) error {
	return executeSplitScript(d, db, script)
}
