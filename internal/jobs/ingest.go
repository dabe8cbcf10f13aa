package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/dvloznov/transit-tracker/internal/pipeline"
)

// Runner runs one ingestion. *pipeline.Orchestrator implements it.
type Runner interface {
	RunIngestion(ctx context.Context, userIDs []string, r domain.DateRange) (*pipeline.RunResult, error)
}

// IngestionHandler returns a JobHandler that runs ingestion jobs. Only a
// storage failure is retried; card failures live in the job result and a
// misconfigured vault or a bad range will not improve on retry.
func IngestionHandler(runner Runner) JobHandler {
	return func(ctx context.Context, job Job) error {
		ij, ok := job.(*IngestionJob)
		if !ok {
			return Permanent(fmt.Errorf("IngestionHandler: unexpected job type %q", job.GetType()))
		}

		log := logger.FromContext(ctx).With().Str("job_id", ij.JobID).Logger()
		ctx = logger.WithContext(ctx, log)

		result, err := runner.RunIngestion(ctx, ij.UserIDs, ij.Range)
		if result != nil {
			ij.Result = result
		}
		if err != nil {
			var se *pipeline.StorageError
			if errors.As(err, &se) {
				return fmt.Errorf("IngestionHandler: %w", err)
			}
			return Permanent(fmt.Errorf("IngestionHandler: %w", err))
		}

		log.Info().
			Str("run_id", result.RunID).
			Int("inserted", result.Inserted).
			Int("cards_failed", result.Failed()).
			Msg("Ingestion job finished")
		return nil
	}
}
