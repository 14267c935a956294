// Package database opens the SQLite file that backs the homesync snapshot
// cache and applies its embedded migrations.
//
// The cache is disposable: losing it only costs a warm start. WAL mode and
// a busy timeout are still enabled so the API can read while the session
// writes a fresh snapshot.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.{up,down}.sql and
// are registered by the migrations package through MigrationsFS.
package database
