package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transit-tracker/internal/migrations"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// Migrator applies DDL to the store's dataset. BigQuery has no
// transactional DDL, so a migration and its record are separate jobs.
type Migrator struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewMigrator creates a migrator sharing the store's client.
func NewMigrator(s *Store) *Migrator {
	return &Migrator{client: s.client, projectID: s.projectID, datasetID: s.datasetID}
}

// EnsureSchemaMigrationsTable creates the dataset when missing, then the
// schema_migrations table.
func (m *Migrator) EnsureSchemaMigrationsTable(ctx context.Context) error {
	ds := m.client.DatasetInProject(m.projectID, m.datasetID)
	if _, err := ds.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("EnsureSchemaMigrationsTable: dataset metadata: %w", err)
		}
		if err := ds.Create(ctx, &bigquery.DatasetMetadata{}); err != nil {
			return fmt.Errorf("EnsureSchemaMigrationsTable: creating dataset: %w", err)
		}
	}

	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version       INT64 NOT NULL,
			name          STRING NOT NULL,
			applied_at    TIMESTAMP NOT NULL,
			checksum      STRING,
			applied_by    STRING
		)
	`, tableRef(m.projectID, m.datasetID, migrationsTable))
	if _, err := run(ctx, m.client, sql, nil); err != nil {
		return fmt.Errorf("EnsureSchemaMigrationsTable: %w", err)
	}
	return nil
}

// AppliedMigrations lists recorded migrations; a missing table means none.
func (m *Migrator) AppliedMigrations(ctx context.Context) ([]migrations.AppliedMigration, error) {
	q := m.client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC
	`, tableRef(m.projectID, m.datasetID, migrationsTable)))

	it, err := q.Read(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("AppliedMigrations: reading: %w", err)
	}

	var applied []migrations.AppliedMigration
	for {
		var row struct {
			Version   int64               `bigquery:"version"`
			Name      string              `bigquery:"name"`
			AppliedAt time.Time           `bigquery:"applied_at"`
			Checksum  bigquery.NullString `bigquery:"checksum"`
			AppliedBy bigquery.NullString `bigquery:"applied_by"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("AppliedMigrations: iterating: %w", err)
		}
		applied = append(applied, migrations.AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

// Apply runs the migration script, then records it.
func (m *Migrator) Apply(ctx context.Context, mig migrations.Migration, appliedBy string) error {
	if _, err := run(ctx, m.client, mig.SQL, nil); err != nil {
		return fmt.Errorf("executing: %w", err)
	}

	sql := fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, tableRef(m.projectID, m.datasetID, migrationsTable))
	_, err := run(ctx, m.client, sql, []bigquery.QueryParameter{
		{Name: "version", Value: mig.Version},
		{Name: "name", Value: mig.Name},
		{Name: "checksum", Value: mig.Checksum},
		{Name: "applied_by", Value: appliedBy},
	})
	if err != nil {
		return fmt.Errorf("recording: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

// Ensure Migrator implements migrations.Backend.
var _ migrations.Backend = (*Migrator)(nil)
