package record

import "time"

// GlobalCustomerID marks rows visible to every tenant. The read cache
// replicates such rows into each tenant's map during initialization.
const GlobalCustomerID int64 = -1

// Information tracks creation, update and deletion provenance for one
// synchronized row. Exactly one Information row exists per (Table, RecordID)
// ever created; deletion is recorded here, the data row itself stays.
type Information struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	CustomerID   int64      `gorm:"column:customer_id;not null;index:idx_information_customer"`
	Table        string     `gorm:"column:table_name;size:190;not null;uniqueIndex:idx_information_table_record,priority:1"`
	RecordID     int64      `gorm:"column:record_id;not null;uniqueIndex:idx_information_table_record,priority:2"`
	CreateID     *string    `gorm:"column:create_id;size:190"`
	CreateUserID int64      `gorm:"column:create_user_id;not null;default:0"`
	CreateTick   *int64     `gorm:"column:create_tick"`
	CreateDate   *time.Time `gorm:"column:create_date"`
	UpdateUserID int64      `gorm:"column:update_user_id;not null;default:0"`
	UpdateTick   *int64     `gorm:"column:update_tick"`
	UpdateDate   *time.Time `gorm:"column:update_date"`
	DeleteUserID int64      `gorm:"column:delete_user_id;not null;default:0"`
	DeleteTick   *int64     `gorm:"column:delete_tick"`
	DeleteDate   *time.Time `gorm:"column:delete_date"`
}

// TableName provides the explicit table binding for GORM.
func (Information) TableName() string {
	return "_information"
}

// LatestTick returns the highest of the three provenance ticks, or zero when
// the row has never been stamped.
func (i *Information) LatestTick() int64 {
	var tick int64
	for _, candidate := range []*int64{i.CreateTick, i.UpdateTick, i.DeleteTick} {
		if candidate != nil && *candidate > tick {
			tick = *candidate
		}
	}
	return tick
}

// IsDeleted reports whether the paired data row has been soft-deleted.
func (i *Information) IsDeleted() bool {
	return i.DeleteTick != nil
}

// IsGlobal reports whether the row is replicated to every tenant.
func (i *Information) IsGlobal() bool {
	return i.CustomerID < 0
}

// TouchCreate stamps the creation triad.
func (i *Information) TouchCreate(tick, userID int64, at time.Time) {
	i.CreateUserID = userID
	i.CreateTick = &tick
	date := at.UTC()
	i.CreateDate = &date
}

// TouchUpdate stamps the update triad.
func (i *Information) TouchUpdate(tick, userID int64, at time.Time) {
	i.UpdateUserID = userID
	i.UpdateTick = &tick
	date := at.UTC()
	i.UpdateDate = &date
}

// TouchDelete stamps the deletion triad, soft-deleting the paired row.
func (i *Information) TouchDelete(tick, userID int64, at time.Time) {
	i.DeleteUserID = userID
	i.DeleteTick = &tick
	date := at.UTC()
	i.DeleteDate = &date
}

// Clone returns a deep copy.
func (i *Information) Clone() *Information {
	clone := *i
	clone.CreateID = CloneStringPtr(i.CreateID)
	clone.CreateTick = CloneInt64Ptr(i.CreateTick)
	clone.CreateDate = CloneTimePtr(i.CreateDate)
	clone.UpdateTick = CloneInt64Ptr(i.UpdateTick)
	clone.UpdateDate = CloneTimePtr(i.UpdateDate)
	clone.DeleteTick = CloneInt64Ptr(i.DeleteTick)
	clone.DeleteDate = CloneTimePtr(i.DeleteDate)
	return &clone
}

// Equal reports structural equality, used when deciding whether a replayed
// row actually changed.
func (i *Information) Equal(other *Information) bool {
	if other == nil {
		return false
	}
	return i.CustomerID == other.CustomerID &&
		i.Table == other.Table &&
		i.RecordID == other.RecordID &&
		StringPtrEqual(i.CreateID, other.CreateID) &&
		i.CreateUserID == other.CreateUserID &&
		Int64PtrEqual(i.CreateTick, other.CreateTick) &&
		TimePtrEqual(i.CreateDate, other.CreateDate) &&
		i.UpdateUserID == other.UpdateUserID &&
		Int64PtrEqual(i.UpdateTick, other.UpdateTick) &&
		TimePtrEqual(i.UpdateDate, other.UpdateDate) &&
		i.DeleteUserID == other.DeleteUserID &&
		Int64PtrEqual(i.DeleteTick, other.DeleteTick) &&
		TimePtrEqual(i.DeleteDate, other.DeleteDate)
}
