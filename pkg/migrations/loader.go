// Package migrations applies the orchestrator schema to PostgreSQL.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var embedded embed.FS

// Embedded returns the schema migrations compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migration represents a database migration file.
type Migration struct {
	Version   string
	Name      string
	Direction string // "up" or "down"
	Path      string
}

// String returns the migration identifier.
func (m Migration) String() string {
	return fmt.Sprintf("%s_%s.%s.sql", m.Version, m.Name, m.Direction)
}

// Load lists the migrations in fsys for one direction, ordered by version.
// Files are named 000001_name.up.sql / 000001_name.down.sql; anything else is ignored.
func Load(fsys fs.FS, direction string) ([]Migration, error) {
	if direction != "up" && direction != "down" {
		return nil, fmt.Errorf("invalid migration direction %q", direction)
	}
	suffix := fmt.Sprintf(".%s.sql", direction)

	var migrations []Migration
	seen := make(map[string]string)
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, suffix) {
			return nil
		}

		baseName := strings.TrimSuffix(d.Name(), suffix)
		parts := strings.SplitN(baseName, "_", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil
		}
		if prev, ok := seen[parts[0]]; ok {
			return fmt.Errorf("duplicate migration version %s: %s and %s", parts[0], prev, path)
		}
		seen[parts[0]] = path

		migrations = append(migrations, Migration{
			Version:   parts[0],
			Name:      parts[1],
			Direction: direction,
			Path:      path,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Versions returns the versions of migrations in order.
func Versions(migrations []Migration) []string {
	versions := make([]string, len(migrations))
	for i, m := range migrations {
		versions[i] = m.Version
	}
	return versions
}
