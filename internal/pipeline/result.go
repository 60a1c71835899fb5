package pipeline

import "reelbot/internal/ledger"

// Outcome classifies how a cycle ended.
type Outcome int

const (
	// NoOp means the cycle completed with nothing to publish.
	NoOp Outcome = iota
	// Published means a post was placed and recorded.
	Published
	// Failed means the cycle aborted; Result.Stage says where.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NoOp:
		return "noop"
	case Published:
		return "published"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stage names the step of the cycle a Result refers to.
type Stage string

const (
	StageDiscover  Stage = "discover"
	StageSelect    Stage = "select"
	StageAcquire   Stage = "acquire"
	StageTransform Stage = "transform"
	StageAnnotate  Stage = "annotate"
	StageAuth      Stage = "auth"
	StagePublish   Stage = "publish"
	StageRecord    Stage = "record"
)

// Result is the outcome of one publish cycle.
type Result struct {
	CycleID string
	Outcome Outcome
	Stage   Stage  // last stage reached; zero for a discover-empty NoOp
	Reason  string // human-readable summary for NoOp and Failed
	Err     error  // cause, for Failed

	// Record is the ledger row written for a Published outcome. It is also
	// set on a record-stage failure: the post exists on the platform even
	// though the ledger write was lost.
	Record *ledger.PublishRecord
}
