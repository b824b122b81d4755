package store

import (
	"fmt"
	"strings"
)

// Open selects a backend from a database URL: a DSN prefixed "mysql://"
// opens MySQL, anything else (including ":memory:") is passed to SQLite as
// a path.
func Open(databaseURL string, opts Options) (Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if strings.HasPrefix(databaseURL, "mysql://") {
		return NewMySQLStore(strings.TrimPrefix(databaseURL, "mysql://"), opts)
	}
	return NewSQLiteStore(databaseURL, opts)
}
