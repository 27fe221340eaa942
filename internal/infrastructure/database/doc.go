// Package database opens the bridge's SQLite file and applies the embedded
// schema migrations.
//
//	db, err := database.Open(cfg.Database)
//	...
//	err = db.Migrate(ctx, migrations.FS)
//
// Migrations only add: new columns are nullable or defaulted, and nothing
// is renamed or dropped.
package database
