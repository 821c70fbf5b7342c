package dialect

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// MySQL adapts the engine's store capabilities to MySQL semantics.
type MySQL struct {
	splitter scriptSplitter
}

// NewMySQL returns the MySQL adapter.
func NewMySQL() *MySQL {
	return &MySQL{splitter: scriptSplitter{hashComments: true}}
}

func (d *MySQL) Name() string {
	return "mysql"
}

// ExistTable probes information_schema for the table in the current schema.
func (d *MySQL) ExistTable(db *gorm.DB, table string) (bool, error) {
	var count int64
	err := db.Raw(
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		table,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ExistValue runs the uniqueness probe joined against the provenance table.
// MySQL's default collations compare case-insensitively, so the sensitive
// form forces a binary comparison.
func (d *MySQL) ExistValue(db *gorm.DB, query ExistValueQuery) (bool, error) {
	comparison := fmt.Sprintf("t.`%s` = ?", query.Column)
	if query.CaseSensitive {
		comparison = fmt.Sprintf("BINARY t.`%s` = ?", query.Column)
	}

	sql := fmt.Sprintf(
		"SELECT COUNT(*) FROM `%s` t JOIN %s i ON i.table_name = ? AND i.record_id = t.id WHERE i.delete_tick IS NULL AND %s",
		query.Table, InformationTable, comparison,
	)
	args := []interface{}{query.Table, query.Value}
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

// TouchLockRow stamps the tenant's advisory lock row; inside a transaction
// the UPDATE takes an exclusive row lock even at default isolation.
func (d *MySQL) TouchLockRow(db *gorm.DB, tenantID int64) error {
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

func (d *MySQL) SplitScript(script string) ([]string, error) {
	return d.splitter.split(script)
}

func (d *MySQL) ExecuteScript(db *gorm.DB, script string) error {
	return executeSplitScript(d, db, script)
}
