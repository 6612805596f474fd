package recovery

import (
	"sync"
)

// DefaultMaxRetries is the retry budget per failure kind.
const DefaultMaxRetries = 3

// NetworkBanner is shown when network recovery is abandoned.
const NetworkBanner = "Unable to reach PAM. Check your connection and try again."

// Decision is the outcome of handling a failure against the retry budget.
type Decision struct {
	Failure  Failure
	Action   Action
	Terminal bool
	Attempt  int
	Banner   string
}

// Policy enforces the retry budget. Counters are keyed by failure kind.
type Policy struct {
	mu         sync.Mutex
	maxRetries int
	counts     map[Kind]int
}

// NewPolicy creates a policy with the given budget. A non-positive budget uses the default.
func NewPolicy(maxRetries int) *Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Policy{
		maxRetries: maxRetries,
		counts:     make(map[Kind]int),
	}
}

// MaxRetries returns the configured budget.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Handle charges the failure against its kind's budget and decides what to do.
func (p *Policy) Handle(f Failure) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !f.Retryable {
		return Decision{
			Failure:  f,
			Action:   f.Action,
			Terminal: true,
			Attempt:  p.counts[f.Kind],
		}
	}

	p.counts[f.Kind]++
	n := p.counts[f.Kind]
	if n > p.maxRetries {
		return exhausted(f, n)
	}

	action := f.Action
	if action == ActionRelogin {
		// Within budget an invalid token is retried as-is.
		action = ActionRetry
	}
	return Decision{Failure: f, Action: action, Attempt: n}
}

func exhausted(f Failure, n int) Decision {
	d := Decision{Failure: f, Terminal: true, Attempt: n}
	if f.Kind.IsIdentity() {
		d.Action = ActionRelogin
		return d
	}
	d.Action = ActionNone
	d.Banner = NetworkBanner
	return d
}

// Succeeded resets every counter. Called when a connection is fully established;
// counters reset only on reaching Connected, never on a successful refresh.
func (p *Policy) Succeeded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.counts)
}

// Attempts returns the current count for a kind.
func (p *Policy) Attempts(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[kind]
}
