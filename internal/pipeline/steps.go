package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/transit-tracker/internal/domain"
	"github.com/dvloznov/transit-tracker/internal/logger"
)

// PipelineStep represents a single step in the per-card ingestion pipeline.
type PipelineStep interface {
	// Stage is the state the card is in while the step runs.
	Stage() Stage
	Execute(ctx context.Context, state *CardState) error
}

// CardState holds the shared state across all steps for one card.
type CardState struct {
	RunID  string
	Card   domain.Card
	Range  domain.DateRange
	Status CardStatus

	// Credential is cleared as soon as the fetch returns.
	Credential        domain.Credential
	ReachedDecryption bool

	Documents    []domain.RawDocument
	ArchivedURIs []string
	Statements   []*domain.Statement
	Transactions []*domain.Transaction
	RowErrors    []RowError
	Unknown      map[string]int
	Written      WriteResult
}

// NewCardState starts a card in StagePending.
func NewCardState(runID string, card domain.Card, r domain.DateRange) *CardState {
	return &CardState{RunID: runID, Card: card, Range: r, Unknown: make(map[string]int)}
}

// Rows counts extracted rows across all statements.
func (s *CardState) Rows() int {
	n := 0
	for _, st := range s.Statements {
		n += len(st.Rows)
	}
	return n
}

// Step 1: CredentialStep loads and decrypts the card's portal login.
type CredentialStep struct {
	Store CredentialStore
	Vault Decrypter
}

func (s *CredentialStep) Stage() Stage { return StageFetching }

func (s *CredentialStep) Execute(ctx context.Context, state *CardState) error {
	ciphertext, err := s.Store.GetCredential(ctx, state.Card.CardID)
	if err != nil {
		return fmt.Errorf("CredentialStep: %w", &StorageError{Op: "get credential", Err: err})
	}
	if ciphertext == nil {
		return fmt.Errorf("CredentialStep: card %s: %w", state.Card.CardID, ErrMissingCredential)
	}

	state.ReachedDecryption = true
	cred, err := s.Vault.DecryptCredential(ciphertext)
	if err != nil {
		return fmt.Errorf("CredentialStep: %w", err)
	}
	state.Credential = cred
	return nil
}

// Step 2: FetchStep downloads the statements for the date range.
type FetchStep struct {
	Fetcher Fetcher
}

func (s *FetchStep) Stage() Stage { return StageFetching }

func (s *FetchStep) Execute(ctx context.Context, state *CardState) error {
	defer func() { state.Credential = domain.Credential{} }()

	docs, err := s.Fetcher.Fetch(ctx, state.Credential, state.Card, state.Range)
	if err != nil {
		return fmt.Errorf("FetchStep: %w", err)
	}
	state.Documents = docs
	log := logger.FromContext(ctx)
	log.Debug().Int("documents", len(docs)).Msg("Fetched statements")
	return nil
}

// Step 3: ArchiveStep keeps the raw statements. Archive failures are logged
// and never fail the card.
type ArchiveStep struct {
	Archiver Archiver
}

func (s *ArchiveStep) Stage() Stage { return StageFetching }

func (s *ArchiveStep) Execute(ctx context.Context, state *CardState) error {
	log := logger.FromContext(ctx)
	for _, doc := range state.Documents {
		uri, created, err := s.Archiver.Archive(ctx, state.Card, doc)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to archive statement")
			continue
		}
		state.ArchivedURIs = append(state.ArchivedURIs, uri)
		log.Debug().Str("uri", uri).Bool("created", created).Msg("Archived statement")
	}
	return nil
}

// Step 4: ExtractStep parses every document and checks it belongs to the card.
type ExtractStep struct {
	Extractor Extractor
}

func (s *ExtractStep) Stage() Stage { return StageExtracting }

func (s *ExtractStep) Execute(ctx context.Context, state *CardState) error {
	for i, doc := range state.Documents {
		st, err := s.Extractor.Extract(doc.Data)
		if err != nil {
			return fmt.Errorf("ExtractStep: document %d: %w", i+1, err)
		}
		if st.CardSerial != "" && state.Card.Serial != "" && st.CardSerial != state.Card.Serial {
			return fmt.Errorf("ExtractStep: document %d is for card %s, expected %s: %w",
				i+1, st.CardSerial, state.Card.Serial, ErrCardMismatch)
		}
		state.Statements = append(state.Statements, st)
	}
	return nil
}

// Step 5: NormalizeStep converts rows, recording and skipping bad ones.
type NormalizeStep struct {
	Normalizer *Normalizer
}

func (s *NormalizeStep) Stage() Stage { return StageNormalizing }

func (s *NormalizeStep) Execute(ctx context.Context, state *CardState) error {
	log := logger.FromContext(ctx)
	card := state.Card.Context()
	for _, st := range state.Statements {
		for _, row := range st.Rows {
			tx, err := s.Normalizer.Normalize(row, card)
			if err != nil {
				state.RowErrors = append(state.RowErrors, RowError{Line: row.Line, Kind: Classify(err), Message: err.Error()})
				log.Warn().Err(err).Int("line", row.Line).Msg("Skipping row")
				continue
			}
			if tx.Mode == domain.ModeUnknown {
				state.Unknown[row.ModeLabel()]++
			}
			state.Transactions = append(state.Transactions, tx)
		}
	}
	return nil
}

// Step 6: WriteStep stores the transactions. With DryRun set nothing is
// written and every transaction counts as inserted.
type WriteStep struct {
	Writer *Writer
	DryRun bool
}

func (s *WriteStep) Stage() Stage { return StageWriting }

func (s *WriteStep) Execute(ctx context.Context, state *CardState) error {
	if s.DryRun {
		state.Written = WriteResult{Inserted: len(state.Transactions)}
		return nil
	}
	res, err := s.Writer.WriteBatch(ctx, state.Transactions)
	state.Written = res
	if err != nil {
		return fmt.Errorf("WriteStep: %w", err)
	}
	return nil
}

// Pipeline executes a sequence of steps in order, driving the card's state
// machine as steps move from one stage to the next.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps sequentially. On failure the card is moved to
// StageFailed at the stage of the failing step.
func (p *Pipeline) Execute(ctx context.Context, state *CardState) error {
	for i, step := range p.steps {
		if err := p.enter(state, step.Stage()); err != nil {
			return fmt.Errorf("pipeline step %d: %w", i+1, err)
		}
		if err := step.Execute(ctx, state); err != nil {
			state.Status, _ = transition(state.Status, EventFail)
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Stage(), err)
		}
	}
	return p.enter(state, StageDone)
}

// enter advances state until it reaches stage. Stages without steps are
// passed through; moving backwards is rejected by transition.
func (p *Pipeline) enter(state *CardState, stage Stage) error {
	for state.Status.Stage != stage {
		if state.Status.Stage > stage {
			return fmt.Errorf("cannot move from %s back to %s", state.Status.Stage, stage)
		}
		next, err := transition(state.Status, EventAdvance)
		if err != nil {
			return err
		}
		state.Status = next
	}
	return nil
}
