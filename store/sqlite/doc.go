// Package sqlite implements job.Store using the grove ORM with the SQLite
// dialect. Suitable for embedded/edge deployments, CLI tools, and
// standalone applications that want a durable queue without a separate
// database server.
//
// The caller owns the *grove.DB lifecycle; Store never closes it. Pass the
// db handle through the constructor:
//
//	import (
//	    "github.com/xraph/grove"
//	    "github.com/xraph/pqueue/store/sqlite"
//	)
//
//	db, _ := grove.Open(ctx, "sqlite", dsn)
//	store := sqlite.New(db)
//	store.Migrate(ctx)
package sqlite
