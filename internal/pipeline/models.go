package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/transit-tracker/internal/domain"
)

// RowError records a row skipped during normalization.
type RowError struct {
	Line    int       `json:"line"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// CardOutcome is the final state of one card in a run.
type CardOutcome struct {
	CardID       string     `json:"card_id"`
	UserID       string     `json:"user_id"`
	Serial       string     `json:"serial"`
	State        Stage      `json:"state"`
	FailedStage  Stage      `json:"failed_stage,omitempty"`
	Kind         ErrorKind  `json:"kind,omitempty"`
	Message      string     `json:"message,omitempty"`
	Documents    int        `json:"documents"`
	Rows         int        `json:"rows"`
	Inserted     int        `json:"inserted"`
	Skipped      int        `json:"skipped"`
	RowErrors    []RowError `json:"row_errors,omitempty"`
	ArchivedURIs []string   `json:"archived_uris,omitempty"`

	// reachedDecryption is set once a ciphertext was handed to the vault.
	reachedDecryption bool
}

// UnknownLabel is a raw mode label that resolved to ModeUnknown.
type UnknownLabel struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// RunResult aggregates one ingestion run. It is never persisted.
type RunResult struct {
	RunID      string           `json:"run_id"`
	Range      domain.DateRange `json:"range"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`

	CardsAttempted   int `json:"cards_attempted"`
	DocumentsFetched int `json:"documents_fetched"`
	RowsExtracted    int `json:"rows_extracted"`
	Inserted         int `json:"inserted"`
	Skipped          int `json:"skipped"`
	RowFailures      int `json:"row_failures"`

	FailuresByStage map[string]int `json:"failures_by_stage"`
	UnknownLabels   map[string]int `json:"unknown_labels"`
	Cards           []CardOutcome  `json:"cards"`
}

// Outcome returns the outcome for cardID.
func (r *RunResult) Outcome(cardID string) (CardOutcome, bool) {
	for _, c := range r.Cards {
		if c.CardID == cardID {
			return c, true
		}
	}
	return CardOutcome{}, false
}

// Failed counts cards that did not reach Done.
func (r *RunResult) Failed() int {
	n := 0
	for _, c := range r.Cards {
		if c.State != StageDone {
			n++
		}
	}
	return n
}

// TopUnknownLabels returns unknown labels by descending frequency.
func (r *RunResult) TopUnknownLabels() []UnknownLabel {
	out := make([]UnknownLabel, 0, len(r.UnknownLabels))
	for l, n := range r.UnknownLabels {
		out = append(out, UnknownLabel{Label: l, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// recorder collects outcomes from concurrent card workers.
type recorder struct {
	mu     sync.Mutex
	result *RunResult
}

func newRecorder(result *RunResult) *recorder {
	result.FailuresByStage = make(map[string]int)
	result.UnknownLabels = make(map[string]int)
	return &recorder{result: result}
}

func (rc *recorder) record(o CardOutcome, labels map[string]int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	r := rc.result
	if o.Kind != KindCanceled || o.FailedStage != StagePending {
		r.CardsAttempted++
	}
	r.DocumentsFetched += o.Documents
	r.RowsExtracted += o.Rows
	r.Inserted += o.Inserted
	r.Skipped += o.Skipped
	r.RowFailures += len(o.RowErrors)
	if o.State == StageFailed {
		r.FailuresByStage[o.FailedStage.String()]++
	}
	for l, n := range labels {
		r.UnknownLabels[l] += n
	}
	r.Cards = append(r.Cards, o)
}

// vaultMisconfigured reports whether every card that reached decryption
// failed there, and at least one did.
func (rc *recorder) vaultMisconfigured() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	reached := 0
	for _, c := range rc.result.Cards {
		if !c.reachedDecryption {
			continue
		}
		reached++
		if c.Kind != KindDecryptionFailed {
			return false
		}
	}
	return reached > 0
}
