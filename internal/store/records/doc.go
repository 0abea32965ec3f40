// Package records persists the records that make up a backup.
//
// Repository works over a dbx.DBTX, so the same type serves both plain reads
// through *sql.DB and the import transaction through *sql.Tx. Queries are
// written with '?' placeholders and rebound for Postgres when the repository
// is built.
//
// Typical usage
//
//	repo := records.NewSQLRepository(db, dbx.SQLite)
//	_ = repo.WriteRecord(ctx, rec)
//	for rec, err := range repo.All(ctx) { ... }
package records
