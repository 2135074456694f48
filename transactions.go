package transactions

import (
	"errors"
	"time"

	gocb "github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocbcore/v9"
	coretxns "github.com/couchbaselabs/gocb-transactions/coretxns"
)

// AttemptFunc is the logic to run as part of a transaction. Returning a
// non-nil error rolls the attempt back instead of committing it.
type AttemptFunc func(*AttemptContext) error

// Transactions is the top level object that SDK users interact with to
// perform transactions.
type Transactions struct {
	config     Config
	cluster    *gocb.Cluster
	transcoder gocb.Transcoder

	txns *coretxns.Transactions
}

func bucketAgentProvider(cluster *gocb.Cluster) coretxns.BucketAgentProviderFn {
	return func(bucketName string) (*gocbcore.Agent, string, error) {
		agent, err := cluster.Bucket(bucketName).Internal().IORouter()
		if err != nil {
			return nil, "", err
		}
		return agent, "", nil
	}
}

// Init will initialize the transactions library and return a Transactions
// object which can be used to perform transactions.
func Init(cluster *gocb.Cluster, config *Config) (*Transactions, error) {
	if config == nil {
		config = &Config{
			DurabilityLevel: DurabilityLevelMajority,
		}
	}
	if config.KeyValueTimeout == 0 {
		config.KeyValueTimeout = 10000 * time.Millisecond
	}
	if config.CleanupQueueSize == 0 {
		config.CleanupQueueSize = 100000
	}

	txns, err := coretxns.Init(&coretxns.Config{
		DurabilityLevel:         coretxns.DurabilityLevel(config.DurabilityLevel),
		KeyValueTimeout:         config.KeyValueTimeout,
		ExpirationTime:          config.ExpirationTime,
		CleanupWindow:           config.CleanupWindow,
		CleanupClientAttempts:   config.CleanupClientAttempts,
		CleanupLostAttempts:     config.CleanupLostAttempts,
		CleanupQueueSize:        config.CleanupQueueSize,
		NumATRs:                 config.Internal.NumATRs,
		EnableParallelUnstaging: config.Internal.EnableParallelUnstaging,
		EnableNonFatalGets:      config.Internal.EnableNonFatalGets,
		EnableExplicitATRs:      config.Internal.EnableExplicitATRs,
		EnableMutationCaching:   config.Internal.EnableMutationCaching,
		BucketAgentProvider:     bucketAgentProvider(cluster),
	})
	if err != nil {
		return nil, err
	}

	return &Transactions{
		cluster:    cluster,
		config:     *config,
		txns:       txns,
		transcoder: gocb.NewJSONTranscoder(),
	}, nil
}

// Config returns the config that was used during the initialization
// of this Transactions object.
func (t *Transactions) Config() Config {
	return t.config
}

// Run runs a lambda to perform a number of operations as part of a
// singular transaction.
func (t *Transactions) Run(logicFn AttemptFunc, perConfig *PerTransactionConfig) (*Result, error) {
	if perConfig == nil {
		perConfig = &PerTransactionConfig{
			DurabilityLevel: t.config.DurabilityLevel,
		}
	}

	hooks := t.config.Internal.Hooks
	if hooks == nil {
		hooks = defaultHooks{}
	}

	wrapper := &coreHooksWrapper{hooks: hooks}

	adapted := func(ac *coretxns.AttemptContext) error {
		attemptCtx := AttemptContext{attempt: ac, transcoder: t.transcoder}
		wrapper.ctx = attemptCtx
		return logicFn(&attemptCtx)
	}

	coreResult, err := t.txns.Run(adapted, &coretxns.PerTransactionConfig{
		DurabilityLevel: coretxns.DurabilityLevel(perConfig.DurabilityLevel),
		KeyValueTimeout: perConfig.KeyValueTimeout,
		ExpirationTime:  perConfig.ExpirationTime,
	}, wrapper)
	if err != nil {
		return nil, createTransactionError(nil, createTransactionOperationFailedError(err))
	}

	return &Result{
		TransactionID:     coreResult.TransactionID,
		UnstagingComplete: coreResult.UnstagingComplete,
	}, nil
}

// Commit will commit a previously prepared and serialized transaction.
func (t *Transactions) Commit(serialized SerializedContext, perConfig *PerTransactionConfig) error {
	return errors.New("not implemented")
}

// Rollback will roll back a previously prepared and serialized transaction.
func (t *Transactions) Rollback(serialized SerializedContext, perConfig *PerTransactionConfig) error {
	return errors.New("not implemented")
}

// Close will shut down this Transactions object, shutting down all
// background tasks associated with it.
func (t *Transactions) Close() error {
	return t.txns.Close()
}
