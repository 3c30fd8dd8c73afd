// Package migrations holds the SQL for the audit trail tables.
package migrations

import (
	"embed"
	"fmt"

	"github.com/uptrace/bun/migrate"
)

//go:embed *.sql
var migrationFS embed.FS

// FS exposes the embedded SQL for external runners.
var FS = migrationFS

// Migrations is the bun/migrate registry for the audit schema.
var Migrations = migrate.NewMigrations()

func init() {
	if err := Migrations.Discover(migrationFS); err != nil {
		panic(err)
	}
}

// Names lists the discovered migrations in apply order.
func Names() []string {
	ms := Migrations.Sorted()
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Name+"_"+m.Comment)
	}
	return out
}

// UpSQL returns the forward script of a migration named as in Names.
func UpSQL(name string) (string, error) {
	b, err := migrationFS.ReadFile(name + ".up.sql")
	if err != nil {
		return "", fmt.Errorf("migration %s: %w", name, err)
	}
	return string(b), nil
}
