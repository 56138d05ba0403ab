package constants

// Advisory lock ids shared by every process using the same database.
const (
	MigrationLock = iota + 7400
	ReaperLock
)

var Locks = []int{
	MigrationLock,
	ReaperLock,
}
