package pipeline

import "fmt"

// Stage is a card's position in the ingestion state machine.
type Stage int

const (
	StagePending Stage = iota
	StageFetching
	StageExtracting
	StageNormalizing
	StageWriting
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StagePending:     "pending",
	StageFetching:    "fetching",
	StageExtracting:  "extracting",
	StageNormalizing: "normalizing",
	StageWriting:     "writing",
	StageDone:        "done",
	StageFailed:      "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// MarshalText lets stages appear by name in JSON run summaries.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Event drives a transition.
type Event int

const (
	EventAdvance Event = iota
	EventFail
)

// CardStatus is the current stage plus, once failed, the stage that failed.
type CardStatus struct {
	Stage    Stage
	FailedAt Stage
}

// Terminal reports whether no further transition is possible.
func (s CardStatus) Terminal() bool {
	return s.Stage == StageDone || s.Stage == StageFailed
}

// transition applies ev to s:
//
//	Pending -> Fetching -> Extracting -> Normalizing -> Writing -> Done
//
// and any non-terminal stage may fail. Done and Failed accept nothing.
func transition(s CardStatus, ev Event) (CardStatus, error) {
	if s.Terminal() {
		return s, fmt.Errorf("transition: card is already %s", s.Stage)
	}
	switch ev {
	case EventAdvance:
		return CardStatus{Stage: s.Stage + 1}, nil
	case EventFail:
		return CardStatus{Stage: StageFailed, FailedAt: s.Stage}, nil
	}
	return s, fmt.Errorf("transition: unknown event %d from %s", ev, s.Stage)
}
