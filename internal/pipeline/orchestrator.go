// Package pipeline runs statement ingestion: per card it decrypts the stored
// credential, fetches and extracts statements, normalizes rows into
// transactions and writes them through a deduplicating store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of cards ingested at once.
const DefaultConcurrency = 3

// Options configures an Orchestrator. Store, Vault, Fetcher, Extractor and
// Normalizer are required.
type Options struct {
	Store      Store
	Vault      Decrypter
	Fetcher    Fetcher
	Extractor  Extractor
	Normalizer *Normalizer
	Archiver   Archiver // optional

	Concurrency int
	DryRun      bool
	Now         func() time.Time
}

// Orchestrator drives ingestion runs. It is safe to run several at once;
// the store's uniqueness constraint keeps them from duplicating rows.
type Orchestrator struct {
	opts     Options
	pipeline *Pipeline
}

// NewOrchestrator validates opts and assembles the per-card pipeline.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("NewOrchestrator: store is required")
	case opts.Vault == nil:
		return nil, errors.New("NewOrchestrator: vault is required")
	case opts.Fetcher == nil:
		return nil, errors.New("NewOrchestrator: fetcher is required")
	case opts.Extractor == nil:
		return nil, errors.New("NewOrchestrator: extractor is required")
	case opts.Normalizer == nil:
		return nil, errors.New("NewOrchestrator: normalizer is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	steps := []PipelineStep{
		&CredentialStep{Store: opts.Store, Vault: opts.Vault},
		&FetchStep{Fetcher: opts.Fetcher},
	}
	if opts.Archiver != nil {
		steps = append(steps, &ArchiveStep{Archiver: opts.Archiver})
	}
	steps = append(steps,
		&ExtractStep{Extractor: opts.Extractor},
		&NormalizeStep{Normalizer: opts.Normalizer},
		&WriteStep{Writer: NewWriter(opts.Store), DryRun: opts.DryRun},
	)

	return &Orchestrator{opts: opts, pipeline: NewPipeline(steps...)}, nil
}

// RunIngestion ingests r for every card of userIDs (all users when empty).
//
// Card failures are recorded in the result and never abort the run. Once ctx
// is canceled no new card starts; cards already running finish. The result is
// always returned; the error is non-nil only when the cards could not be
// listed or ErrVaultMisconfigured applies.
func (o *Orchestrator) RunIngestion(ctx context.Context, userIDs []string, r domain.DateRange) (*RunResult, error) {
	result := &RunResult{RunID: uuid.NewString(), Range: r, StartedAt: o.opts.Now()}
	rec := newRecorder(result)
	log := logger.FromContext(ctx).With().Str("run_id", result.RunID).Logger()
	ctx = logger.WithContext(ctx, log)

	if err := r.Validate(); err != nil {
		return result, fmt.Errorf("RunIngestion: %w", err)
	}

	cards, err := o.opts.Store.ListCards(ctx, userIDs)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list cards")
		return result, fmt.Errorf("RunIngestion: %w", &StorageError{Op: "list cards", Err: err})
	}
	log.Info().Int("cards", len(cards)).Str("range", r.String()).Int("concurrency", o.opts.Concurrency).Msg("Starting ingestion run")

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for _, card := range cards {
		// Go blocks while the limit is reached, so a cancellation observed
		// here keeps every remaining card from starting.
		if ctx.Err() != nil {
			rec.record(canceledOutcome(card), nil)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				rec.record(canceledOutcome(card), nil)
				return nil
			}
			outcome, labels := o.runCard(context.WithoutCancel(ctx), result.RunID, card, r)
			rec.record(outcome, labels)
			return nil
		})
	}
	_ = g.Wait()
	result.FinishedAt = o.opts.Now()
	sortOutcomes(result.Cards, cards)

	for _, u := range result.TopUnknownLabels() {
		log.Warn().Str("label", u.Label).Int("count", u.Count).Msg("Unrecognized transit mode")
	}
	log.Info().
		Int("cards_attempted", result.CardsAttempted).
		Int("cards_failed", result.Failed()).
		Int("documents", result.DocumentsFetched).
		Int("rows", result.RowsExtracted).
		Int("inserted", result.Inserted).
		Int("skipped", result.Skipped).
		Int("row_failures", result.RowFailures).
		Msg("Ingestion run finished")

	if rec.vaultMisconfigured() {
		log.Error().Msg("No credential could be decrypted; check the vault key")
		return result, ErrVaultMisconfigured
	}
	return result, nil
}

func (o *Orchestrator) runCard(ctx context.Context, runID string, card domain.Card, r domain.DateRange) (CardOutcome, map[string]int) {
	ctx = logger.WithCard(ctx, runID, card.UserID, card.CardID)
	log := logger.FromContext(ctx)

	state := NewCardState(runID, card, r)
	err := o.pipeline.Execute(ctx, state)

	outcome := CardOutcome{
		CardID:            card.CardID,
		UserID:            card.UserID,
		Serial:            card.Serial,
		State:             state.Status.Stage,
		Documents:         len(state.Documents),
		Rows:              state.Rows(),
		Inserted:          state.Written.Inserted,
		Skipped:           state.Written.Skipped,
		RowErrors:         state.RowErrors,
		ArchivedURIs:      state.ArchivedURIs,
		reachedDecryption: state.ReachedDecryption,
	}
	if err != nil {
		if state.Status.Stage != StageFailed {
			state.Status, _ = transition(state.Status, EventFail)
			outcome.State = state.Status.Stage
		}
		outcome.FailedStage = state.Status.FailedAt
		outcome.Kind = Classify(err)
		outcome.Message = err.Error()
		log.Error().Err(err).Str("stage", outcome.FailedStage.String()).Str("kind", string(outcome.Kind)).Msg("Card ingestion failed")
		return outcome, state.Unknown
	}

	log.Info().
		Int("documents", outcome.Documents).
		Int("rows", outcome.Rows).
		Int("inserted", outcome.Inserted).
		Int("skipped", outcome.Skipped).
		Int("row_failures", len(outcome.RowErrors)).
		Msg("Card ingested")
	return outcome, state.Unknown
}

func canceledOutcome(card domain.Card) CardOutcome {
	return CardOutcome{
		CardID:      card.CardID,
		UserID:      card.UserID,
		Serial:      card.Serial,
		State:       StageFailed,
		FailedStage: StagePending,
		Kind:        KindCanceled,
		Message:     "run canceled before the card started",
	}
}

// sortOutcomes restores the listing order, which completion order scrambles.
func sortOutcomes(outcomes []CardOutcome, cards []domain.Card) {
	pos := make(map[string]int, len(cards))
	for i, c := range cards {
		pos[c.CardID] = i
	}
	sort.SliceStable(outcomes, func(i, j int) bool {
		return pos[outcomes[i].CardID] < pos[outcomes[j].CardID]
	})
}
