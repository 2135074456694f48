package coretxns

import (
	"time"

	"github.com/couchbase/gocbcore/v9"
	"github.com/couchbase/gocbcore/v9/memd"
	"github.com/opentracing/opentracing-go"
)

// DurabilityLevel specifies the level of synchronous replication
// required for a mutation before the engine considers it safe to
// build further protocol state on top of, per §4.2.
type DurabilityLevel uint8

const (
	DurabilityLevelUnknown DurabilityLevel = iota
	DurabilityLevelNone
	DurabilityLevelMajority
	DurabilityLevelMajorityAndPersistToActive
	DurabilityLevelPersistToMajority
)

func (dl DurabilityLevel) toMemd() memd.DurabilityLevel {
	switch dl {
	case DurabilityLevelNone:
		return memd.DurabilityLevel(0)
	case DurabilityLevelMajority:
		return memd.DurabilityLevelMajority
	case DurabilityLevelMajorityAndPersistToActive:
		return memd.DurabilityLevelMajorityAndPersistOnMaster
	case DurabilityLevelPersistToMajority:
		return memd.DurabilityLevelPersistToMajority
	default:
		return memd.DurabilityLevelMajority
	}
}

func (dl DurabilityLevel) shorthand() string {
	switch dl {
	case DurabilityLevelNone:
		return "n"
	case DurabilityLevelMajority:
		return "m"
	case DurabilityLevelMajorityAndPersistToActive:
		return "pa"
	case DurabilityLevelPersistToMajority:
		return "pm"
	default:
		return ""
	}
}

func durabilityLevelFromShorthand(s string) DurabilityLevel {
	switch s {
	case "n":
		return DurabilityLevelNone
	case "m":
		return DurabilityLevelMajority
	case "pa":
		return DurabilityLevelMajorityAndPersistToActive
	case "pm":
		return DurabilityLevelPersistToMajority
	default:
		return DurabilityLevelMajority
	}
}

// BucketAgentProviderFn resolves a live gocbcore.Agent for a bucket
// name, letting the engine reach any bucket a document or ATR lookup
// names without owning connection lifecycle itself.
type BucketAgentProviderFn func(bucketName string) (*gocbcore.Agent, string, error)

// Config is the process-wide configuration for a Transactions instance,
// per §4.8/§5.
type Config struct {
	DurabilityLevel DurabilityLevel
	KeyValueTimeout time.Duration

	// ExpirationTime is the default budget for a transaction logic
	// function to complete in, absent a per-call override.
	ExpirationTime time.Duration

	CleanupWindow                time.Duration
	CleanupClientAttempts        bool
	CleanupLostAttempts          bool
	CleanupQueueSize             uint32
	NumATRs                      int

	// EnableParallelUnstaging allows commit/rollback to replay staged
	// mutations concurrently instead of one at a time.
	EnableParallelUnstaging bool

	// EnableNonFatalGets is copied by Init but read by no code path;
	// get-path failures are handled the same whatever its value.
	EnableNonFatalGets bool

	// EnableExplicitATRs is copied by Init but read by no code path;
	// the first mutation picks the ATR location whatever its value.
	EnableExplicitATRs bool

	// EnableMutationCaching is copied by Init but read by no code path;
	// replace/remove behave the same whatever its value.
	EnableMutationCaching bool

	BucketAgentProvider        BucketAgentProviderFn
	LostCleanupATRLocationProvider func() ([]LostATRLocation, error)

	// Tracer receives a span per attempt and a child span per Get,
	// Insert, Replace or Remove call; ATR writes and unstaging get no
	// span of their own. A nil Tracer disables tracing.
	Tracer opentracing.Tracer
}

// defaultConfig returns zero-value-safe defaults for every field a
// caller didn't set explicitly.
func defaultConfig() Config {
	return Config{
		DurabilityLevel:       DurabilityLevelMajority,
		KeyValueTimeout:       2500 * time.Millisecond,
		ExpirationTime:        15 * time.Second,
		CleanupWindow:         60 * time.Second,
		CleanupClientAttempts: true,
		CleanupLostAttempts:   true,
		CleanupQueueSize:      100000,
		NumATRs:               numVbuckets,
	}
}

// PerTransactionConfig carries the subset of Config that may be
// overridden for a single BeginTransaction/Run call.
type PerTransactionConfig struct {
	DurabilityLevel DurabilityLevel
	KeyValueTimeout time.Duration
	ExpirationTime  time.Duration
}
