// Package database provides SQLite database connectivity for the smarthome
// server.
//
// It wraps database/sql with lifecycle management (Open/Close), pragmas
// suited to an embedded single-writer deployment (WAL, busy timeout, foreign
// keys), health checks, and embedded schema migrations.
//
// Migrations are .sql files embedded via the top-level migrations package
// and applied in filename order, each in its own transaction.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: "./data/smarthome.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
