package consumersvc

import (
	"time"

	"github.com/corray333/backend-labs/autherror/internal/service/failure"
	"github.com/corray333/backend-labs/autherror/internal/service/models/inbox"
	"github.com/corray333/backend-labs/autherror/internal/service/retry"
)

// DecisionMaker turns a handler failure into a retry decision and the delay bucket
// the retried delivery is parked in.
type DecisionMaker struct {
	policy retry.Policy
	ladder retry.Ladder
}

func NewDecisionMaker(policy retry.Policy, ladder retry.Ladder) DecisionMaker {
	return DecisionMaker{policy: policy, ladder: ladder}
}

// Decide resolves a failure of an attempt made with retry count current.
// The last error is cut to the ledger limit.
func (m DecisionMaker) Decide(now time.Time, current int, err error) (retry.Decision, retry.Bucket) {
	c := failure.Classify(err)
	c.Message = failure.Truncate(c.Message, inbox.LastErrorLimit)

	return m.policy.DecideWithLadder(current, now, c, m.ladder)
}
