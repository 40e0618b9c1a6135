// outcome.go defines the result of Submit.

package advisor

import "github.com/strongdm/ai-cxdb-advisor/pkg/advisor/client"

// OutcomeKind classifies a submission.
type OutcomeKind int

const (
	// OutcomeRejected means the event was dropped; the caller proceeds
	// without advice.
	OutcomeRejected OutcomeKind = iota

	// OutcomeCacheHit means advice was already available.
	OutcomeCacheHit

	// OutcomeAlreadyPending means analysis for the fingerprint is in progress.
	OutcomeAlreadyPending

	// OutcomeQueued means a new analysis was scheduled.
	OutcomeQueued
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCacheHit:
		return "cache_hit"
	case OutcomeAlreadyPending:
		return "already_pending"
	case OutcomeQueued:
		return "queued"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RejectReason explains an OutcomeRejected.
type RejectReason string

const (
	ReasonQueueFull      RejectReason = "queue_full"
	ReasonCacheFull      RejectReason = "cache_full"
	ReasonRecentlyFailed RejectReason = "recently_failed"
	ReasonRecursion      RejectReason = "recursion"
	ReasonClosed         RejectReason = "closed"
	ReasonInternal       RejectReason = "internal"
)

// Outcome is what Submit returns. It never carries an error: every failure
// inside the pipeline is reported as a rejection.
type Outcome struct {
	Kind        OutcomeKind
	Fingerprint string
	EventID     string

	// Advice is set for OutcomeCacheHit.
	Advice *client.Advice

	// Reason is set for OutcomeRejected.
	Reason RejectReason
}
