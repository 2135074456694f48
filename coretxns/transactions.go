package coretxns

import (
	"time"
)

// Transactions is the process-wide entry point: one instance is
// created per application process and shared across every logical
// transaction it runs, per §4.8.
type Transactions struct {
	config  Config
	cleaner *lostTransactionCleaner
}

// Init constructs a Transactions instance and, unless cleanup was
// disabled, starts its background lost-attempt cleanup loop.
func Init(config *Config) (*Transactions, error) {
	cfg := defaultConfig()
	if config != nil {
		if config.DurabilityLevel != DurabilityLevelUnknown {
			cfg.DurabilityLevel = config.DurabilityLevel
		}
		if config.KeyValueTimeout > 0 {
			cfg.KeyValueTimeout = config.KeyValueTimeout
		}
		if config.ExpirationTime > 0 {
			cfg.ExpirationTime = config.ExpirationTime
		}
		if config.CleanupWindow > 0 {
			cfg.CleanupWindow = config.CleanupWindow
		}
		if config.NumATRs > 0 {
			cfg.NumATRs = config.NumATRs
		}
		cfg.CleanupClientAttempts = config.CleanupClientAttempts
		cfg.CleanupLostAttempts = config.CleanupLostAttempts
		cfg.EnableParallelUnstaging = config.EnableParallelUnstaging
		cfg.EnableNonFatalGets = config.EnableNonFatalGets
		cfg.EnableExplicitATRs = config.EnableExplicitATRs
		cfg.EnableMutationCaching = config.EnableMutationCaching
		cfg.BucketAgentProvider = config.BucketAgentProvider
		cfg.LostCleanupATRLocationProvider = config.LostCleanupATRLocationProvider
		cfg.Tracer = config.Tracer
	}

	txns := &Transactions{config: cfg}

	if cfg.CleanupLostAttempts && cfg.BucketAgentProvider != nil {
		txns.cleaner = newLostTransactionCleaner(cfg)
		txns.cleaner.start()
	}

	return txns, nil
}

// Close stops the background cleanup loop, if one is running.
func (t *Transactions) Close() error {
	if t.cleaner != nil {
		t.cleaner.stop()
	}
	return nil
}

// Config returns the effective configuration this instance was built
// with.
func (t *Transactions) Config() Config {
	return t.config
}

// AttemptFunc is the application logic run once per attempt. Returning
// a non-nil error rolls back the attempt; TransactionOperationFailedError
// carries the retry/rollback classification the runner needs, any
// other error is treated as a non-retryable rollback-and-fail.
type AttemptFunc func(ac *AttemptContext) error

// Run drives logic through as many attempts as the transaction's
// expiry budget allows, per §4.8: on a retryable failure it rolls the
// failed attempt back, sleeps briefly, and tries again with a fresh
// AttemptContext sharing the same transaction identity; on a
// non-retryable failure, or once the budget is exhausted, it returns
// the terminal error to the caller.
func (t *Transactions) Run(logic AttemptFunc, perConfig *PerTransactionConfig, hooks TransactionHooks) (*Result, error) {
	cfg := PerTransactionConfig{
		DurabilityLevel: t.config.DurabilityLevel,
		KeyValueTimeout: t.config.KeyValueTimeout,
		ExpirationTime:  t.config.ExpirationTime,
	}
	if perConfig != nil {
		if perConfig.DurabilityLevel != DurabilityLevelUnknown {
			cfg.DurabilityLevel = perConfig.DurabilityLevel
		}
		if perConfig.KeyValueTimeout > 0 {
			cfg.KeyValueTimeout = perConfig.KeyValueTimeout
		}
		if perConfig.ExpirationTime > 0 {
			cfg.ExpirationTime = perConfig.ExpirationTime
		}
	}

	txn := newTransaction(cfg)

	attemptCfg := t.config
	attemptCfg.DurabilityLevel = cfg.DurabilityLevel
	attemptCfg.KeyValueTimeout = cfg.KeyValueTimeout

	for {
		ac := newAttemptContext(txn, attemptCfg, hooks)

		start := time.Now()
		logicErr := logic(ac)

		// The logic function is expected to call ac.Commit itself once its
		// mutations are staged, matching the real SDK's explicit-commit
		// style; Run only drives Commit/Rollback here as a fallback for
		// logic that returned without reaching a terminal state.
		state := ac.getState()

		var finalErr error
		switch {
		case logicErr != nil && state != AttemptStateRolledBack:
			waitCh := make(chan struct{}, 1)
			ac.Rollback(func(rollbackErr error) {
				finalErr = logicErr
				if rollbackErr != nil {
					logWarnf("rollback after failed attempt also failed: %v", rollbackErr)
				}
				waitCh <- struct{}{}
			})
			<-waitCh
		case logicErr != nil:
			finalErr = logicErr
		case state == AttemptStateCompleted || state == AttemptStateRolledBack:
			finalErr = nil
		default:
			waitCh := make(chan struct{}, 1)
			ac.Commit(func(commitErr error) {
				finalErr = commitErr
				waitCh <- struct{}{}
			})
			<-waitCh
		}

		txn.recordAttempt(attemptRecord{
			ID:        ac.id,
			State:     ac.getState(),
			StartTime: start,
			EndTime:   time.Now(),
			FinalErr:  finalErr,
		})

		if finalErr == nil {
			return &Result{
				TransactionID:    txn.id,
				UnstagingComplete: ac.getState() == AttemptStateCompleted,
			}, nil
		}

		if !t.shouldRetry(finalErr) || txn.hasExpired() {
			return nil, finalErr
		}

		time.Sleep(txn.expiryTime / 100)
	}
}

func (t *Transactions) shouldRetry(err error) bool {
	tfe, ok := err.(*TransactionOperationFailedError)
	if !ok {
		return false
	}
	return tfe.Retry()
}

// Result summarizes a completed logical transaction.
type Result struct {
	TransactionID     string
	UnstagingComplete bool
}
