package worker

import "tweet-scheduler/internal/gateway"

// OutcomeKind discriminates how a delivery attempt ended.
type OutcomeKind int

const (
	// OutcomeSuccess: the post went out; the job is acked.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetry: a retryable failure under the attempt ceiling; the job
	// is handed back to the queue for redelivery with backoff.
	OutcomeRetry
	// OutcomeTerminal: a non-retryable failure, or the ceiling is
	// exhausted; the job is acked and never redelivered.
	OutcomeTerminal
)

// Outcome is the explicit result of one per-job state-machine run. The
// pool translates it into the queue's native retry/ack signals, so no
// error ever doubles as a control-flow channel.
type Outcome struct {
	Kind    OutcomeKind
	PostID  string
	Attempt int
	Result  gateway.PostResult
	Failure *gateway.DeliveryError
}

func successOutcome(postID string, attempt int, res gateway.PostResult) Outcome {
	return Outcome{Kind: OutcomeSuccess, PostID: postID, Attempt: attempt, Result: res}
}

func retryOutcome(postID string, attempt int, failure *gateway.DeliveryError) Outcome {
	return Outcome{Kind: OutcomeRetry, PostID: postID, Attempt: attempt, Failure: failure}
}

func terminalOutcome(postID string, attempt int, failure *gateway.DeliveryError) Outcome {
	return Outcome{Kind: OutcomeTerminal, PostID: postID, Attempt: attempt, Failure: failure}
}
