package db

// SQL fragment helpers for SQLite/PostgreSQL portability.

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == DriverPostgres
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// AutoPK returns the column definition for an auto-incrementing integer
// primary key in the given dialect.
func AutoPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
