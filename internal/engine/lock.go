package engine

import (
	"github.com/nortide/tessera/internal/dialect"
	"gorm.io/gorm"
)

// DatabaseLock is the per-tenant transaction envelope: acquiring it begins a
// native transaction and stamps the tenant's advisory lock row inside it,
// which takes a write lock on that row and serializes every writer for the
// tenant even at default isolation. Commit commits; Close without a prior
// Commit rolls back. Not reentrant: release fully before reacquiring.
type DatabaseLock struct {
	tx        *gorm.DB
	committed bool
}

// AcquireLock opens the envelope. It blocks until the tenant's lock row is
// ours.
func AcquireLock(db *gorm.DB, d dialect.Dialect, tenantID int64) (*DatabaseLock, error) {
	tx := db.Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	if err := d.TouchLockRow(tx, tenantID); err != nil {
		tx.Rollback()
		return nil, err
	}
	return &DatabaseLock{tx: tx}, nil
}

// Tx exposes the transaction handle every write of the envelope goes
// through.
func (l *DatabaseLock) Tx() *gorm.DB {
	return l.tx
}

// Commit commits the native transaction, releasing the lock row.
func (l *DatabaseLock) Commit() error {
	if err := l.tx.Commit().Error; err != nil {
		return err
	}
	l.committed = true
	return nil
}

// Close rolls the envelope back unless it was committed. Safe to defer.
func (l *DatabaseLock) Close() {
	if !l.committed {
		l.tx.Rollback()
	}
}
