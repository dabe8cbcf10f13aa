// Package migrations applies numbered SQL files (0001_name.sql) to a backend,
// recording each one in a schema_migrations table with its checksum.
package migrations

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dvloznov/transit-tracker/internal/logger"
)

// Pattern to match migration files: 0001_name.sql
var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration represents a single migration file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration represents a migration that has already been applied.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Backend is a database that can run migrations.
type Backend interface {
	EnsureSchemaMigrationsTable(ctx context.Context) error
	AppliedMigrations(ctx context.Context) ([]AppliedMigration, error)
	// Apply executes the migration and records it, atomically where the
	// backend supports it.
	Apply(ctx context.Context, m Migration, appliedBy string) error
}

// Read loads migrations from the root of fsys, sorted by version. Each
// {{KEY}} placeholder is replaced by vars[KEY]; the checksum is taken before
// replacement so the same file has the same checksum in every environment.
func Read(fsys fs.FS, vars map[string]string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("Read: reading migrations directory: %w", err)
	}

	var out []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("Read: version %04d used by %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("Read: reading file %s: %w", e.Name(), err)
		}
		sql := string(content)
		for k, v := range vars {
			sql = strings.ReplaceAll(sql, "{{"+k+"}}", v)
		}

		out = append(out, Migration{
			Version:  version,
			Name:     m[2],
			Filename: e.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Run applies every migration not yet recorded by b and returns how many ran.
// An applied migration whose file changed since is reported as an error.
func Run(ctx context.Context, b Backend, migrations []Migration, appliedBy string) (int, error) {
	log := logger.FromContext(ctx)

	if err := b.EnsureSchemaMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("Run: ensure schema_migrations: %w", err)
	}
	applied, err := b.AppliedMigrations(ctx)
	if err != nil {
		return 0, fmt.Errorf("Run: applied migrations: %w", err)
	}
	log.Info().Int("files", len(migrations)).Int("applied", len(applied)).Msg("Loaded migrations")

	appliedVersions := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		appliedVersions[am.Version] = am
	}

	count := 0
	for _, m := range migrations {
		if am, ok := appliedVersions[m.Version]; ok {
			if am.Checksum != "" && am.Checksum != m.Checksum {
				return count, fmt.Errorf("Run: migration %04d_%s changed after it was applied", m.Version, m.Name)
			}
			log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("Already applied")
			continue
		}

		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applying migration")
		if err := b.Apply(ctx, m, appliedBy); err != nil {
			return count, fmt.Errorf("Run: migration %04d_%s: %w", m.Version, m.Name, err)
		}
		count++
	}
	return count, nil
}
