package coretxns

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// attemptRecord is a historical record of one attempt made against this
// transaction, retained after the attempt concludes (successfully or
// not) so Rollback/Commit-time diagnostics can report the full retry
// history.
type attemptRecord struct {
	ID        string
	State     AttemptState
	StartTime time.Time
	EndTime   time.Time
	FinalErr  error
}

// transaction is the logical, cross-attempt state that persists across
// every retried attempt made in service of one logical transaction:
// its identity, its deadline, and the ATR location the first attempt
// pinned, per §3.
type transaction struct {
	lock sync.Mutex

	id          string
	startTime   time.Time
	expiryTime  time.Duration
	durability  DurabilityLevel
	kvTimeout   time.Duration

	numAttempts int
	attempts    []attemptRecord

	atrLocation atrLocation
	hasAtr      bool
}

func newTransaction(cfg PerTransactionConfig) *transaction {
	return &transaction{
		id:         uuid.New().String(),
		startTime:  time.Now(),
		expiryTime: cfg.ExpirationTime,
		durability: cfg.DurabilityLevel,
		kvTimeout:  cfg.KeyValueTimeout,
	}
}

// hasExpired reports whether the overall transaction (not a single
// attempt) has run past its expiry budget, ignoring the expiry-overtime
// allowance a final attempt may still have per §4.7.
func (t *transaction) hasExpired() bool {
	return time.Since(t.startTime) > t.expiryTime
}

func (t *transaction) timeRemaining() time.Duration {
	remaining := t.expiryTime - time.Since(t.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *transaction) recordAttempt(rec attemptRecord) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.attempts = append(t.attempts, rec)
}

func (t *transaction) setAtrLocation(loc atrLocation) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.hasAtr {
		return
	}
	t.atrLocation = loc
	t.hasAtr = true
}

func (t *transaction) getAtrLocation() (atrLocation, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.atrLocation, t.hasAtr
}
