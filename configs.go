package transactions

import "time"

// DurabilityLevel specifies the level of synchronous replication required
// of a mutation before the transactions engine builds further protocol
// state on top of it.
type DurabilityLevel int

const (
	DurabilityLevelNone                       = DurabilityLevel(1)
	DurabilityLevelMajority                   = DurabilityLevel(2)
	DurabilityLevelMajorityAndPersistToActive = DurabilityLevel(3)
	DurabilityLevelPersistToMajority          = DurabilityLevel(4)
)

// InternalConfig carries knobs and test hooks not meant for application
// use.
// Internal: This should never be used and is not supported.
type InternalConfig struct {
	Hooks             TransactionHooks
	CleanupHooks      CleanupHooks
	ClientRecordHooks ClientRecordHooks

	NumATRs                 int
	EnableParallelUnstaging bool
	EnableNonFatalGets      bool
	EnableExplicitATRs      bool
	EnableMutationCaching   bool
}

// Config is the process-wide configuration for a Transactions instance.
type Config struct {
	// ExpirationTime sets the maximum time that transactions created
	// by this Transactions object can run for, before expiring.
	ExpirationTime time.Duration

	// DurabilityLevel specifies the durability level that should be used
	// for all write operations performed by this Transactions object.
	DurabilityLevel DurabilityLevel

	// KeyValueTimeout specifies the default timeout used for all KV writes.
	KeyValueTimeout time.Duration

	// CleanupWindow specifies how often the cleanup process runs
	// attempting to garbage collect transactions that have failed but
	// were not cleaned up by the previous client.
	CleanupWindow time.Duration

	// CleanupClientAttempts is passed through to the core engine, which
	// does not read it: this client's own attempts are never queued for
	// cleanup, whatever its value.
	CleanupClientAttempts bool

	// CleanupLostAttempts controls whether a background process is created
	// to cleanup any 'lost' transaction attempts.
	CleanupLostAttempts bool

	// CleanupQueueSize bounds the in-memory queue of this client's own
	// completed attempts waiting for cleanup.
	CleanupQueueSize uint32

	Internal InternalConfig
}

// PerTransactionConfig carries the subset of Config overridable for a
// single Run call.
type PerTransactionConfig struct {
	// DurabilityLevel specifies the durability level that should be used
	// for all write operations performed by this transaction.
	DurabilityLevel DurabilityLevel

	// KeyValueTimeout overrides the default KV timeout for this transaction.
	KeyValueTimeout time.Duration

	// ExpirationTime overrides the default expiry budget for this transaction.
	ExpirationTime time.Duration
}
