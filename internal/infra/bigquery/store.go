// Package bigquery is the alternative Store, for deployments that keep
// transit history next to other analytics tables. BigQuery enforces no
// unique constraints, so every conditional write is a MERGE and the outcome
// is read back from the job's DML statistics.
package bigquery

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
)

// Aliases of the domain sentinels, so callers can match either.
var (
	ErrNotFound   = domain.ErrCardNotFound
	ErrCardExists = domain.ErrCardExists
)

const (
	transactionsTable = "transactions"
	cardsTable        = "cards"
	credentialsTable  = "card_credentials"
	migrationsTable   = "schema_migrations"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded DDL. Files use {{PROJECT_ID}} and
// {{DATASET_ID}} placeholders; see Vars.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Vars returns the placeholder values for migrations.Read.
func Vars(projectID, datasetID string) map[string]string {
	return map[string]string{"PROJECT_ID": projectID, "DATASET_ID": datasetID}
}

// Store implements pipeline.Store on BigQuery. It holds a shared client
// to avoid creating a new connection for each operation.
//
// Transaction writes from one Store are serialized. BigQuery does not
// serialize INSERT-only MERGE jobs against each other, so two processes
// writing the same card and range can both insert a row; run a single
// writer per dataset and read through the transactions_unique view.
type Store struct {
	client    *bigquery.Client
	projectID string
	datasetID string

	writeMu sync.Mutex
}

// NewStore creates a store with its own client for projectID.
func NewStore(ctx context.Context, projectID, datasetID string) (*Store, error) {
	if projectID == "" || datasetID == "" {
		return nil, errors.New("NewStore: project and dataset are required")
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewStore: creating client: %w", err)
	}
	return &Store{client: client, projectID: projectID, datasetID: datasetID}, nil
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// table returns the fully qualified, quoted table name.
func (s *Store) table(name string) string {
	return tableRef(s.projectID, s.datasetID, name)
}

func tableRef(projectID, datasetID, name string) string {
	return "`" + projectID + "." + datasetID + "." + name + "`"
}

// run executes a statement and waits for it to finish.
func run(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) (*bigquery.JobStatus, error) {
	q := client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("run query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job error: %w", err)
	}
	return status, nil
}

// exec runs a DML statement and returns the number of rows it touched.
func exec(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) (int64, error) {
	status, err := run(ctx, client, sql, params)
	if err != nil {
		return 0, err
	}
	return affectedRows(status)
}

func affectedRows(status *bigquery.JobStatus) (int64, error) {
	if status == nil || status.Statistics == nil {
		return 0, errors.New("job has no statistics")
	}
	qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics)
	if !ok {
		return 0, fmt.Errorf("unexpected job statistics %T", status.Statistics.Details)
	}
	return qs.NumDMLAffectedRows, nil
}

// Ensure Store implements pipeline.Store.
var (
	_ pipeline.Store                 = (*Store)(nil)
	_ pipeline.BatchTransactionStore = (*Store)(nil)
)
