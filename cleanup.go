package transactions

import (
	"github.com/couchbase/gocb/v2"
	coretxns "github.com/couchbaselabs/gocb-transactions/coretxns"
)

// DocRecord represents an individual document operation requiring cleanup.
// Internal: This should never be used and is not supported.
type DocRecord struct {
	CollectionName string
	ScopeName      string
	BucketName     string
	ID             string
}

// CleanupAttempt represents the result of running cleanup for a transaction attempt.
// Internal: This should never be used and is not supported.
type CleanupAttempt struct {
	Success           bool
	IsRegular         bool
	AttemptID         string
	AtrID             string
	AtrCollectionName string
	AtrScopeName      string
	AtrBucketName     string
	Request           *CleanupRequest
}

// CleanupRequest represents a complete transaction attempt that requires cleanup.
// Internal: This should never be used and is not supported.
type CleanupRequest struct {
	AttemptID         string
	AtrID             string
	AtrCollectionName string
	AtrScopeName      string
	AtrBucketName     string
	Inserts           []DocRecord
	Replaces          []DocRecord
	Removes           []DocRecord
	State             AttemptState
}

// ClientRecordDetails is the result of processing a client record.
// Internal: This should never be used and is not supported.
type ClientRecordDetails struct {
	NumActiveClients   int
	IndexOfThisClient  int
	NumExistingClients int
	NumExpiredClients  int
	OverrideEnabled    bool
	OverrideActive     bool
	CasNowNanos        int64
	ClientUUID         string
}

// ProcessATRStats is the stats recorded when running a ProcessATR request.
// Internal: This should never be used and is not supported.
type ProcessATRStats struct {
	NumEntries        int
	NumEntriesExpired int
	NumEntriesCleaned int
}

// Cleaner is responsible for queuing and draining cleanup of this
// client's own completed transaction attempts.
// Internal: This should never be used and is not supported.
type Cleaner interface {
	AddRequest(req *CleanupRequest) bool
	PopOne() (*CleanupRequest, bool)
	Close()
}

type coreCleanerWrapper struct {
	wrapped coretxns.Cleaner
}

// NewCleaner returns a Cleaner implementation.
// Internal: This should never be used and is not supported.
func NewCleaner(config *Config) Cleaner {
	var hooks coretxns.CleanUpHooks
	if config.Internal.CleanupHooks != nil {
		hooks = &coreCleanupHooksWrapper{hooks: config.Internal.CleanupHooks}
	}
	return &coreCleanerWrapper{wrapped: coretxns.NewCleaner(config.CleanupQueueSize, hooks)}
}

func (ccw *coreCleanerWrapper) AddRequest(req *CleanupRequest) bool {
	return ccw.wrapped.AddRequest(cleanupRequestToCore(req))
}

func (ccw *coreCleanerWrapper) PopOne() (*CleanupRequest, bool) {
	req, ok := ccw.wrapped.PopOne()
	if !ok {
		return nil, false
	}
	return cleanupRequestFromCore(&req), true
}

func (ccw *coreCleanerWrapper) Close() {
	ccw.wrapped.Close()
}

// LostTransactionCleaner is responsible for performing cleanup of lost transactions.
// Internal: This should never be used and is not supported.
type LostTransactionCleaner interface {
	ProcessClient(bucket *gocb.Bucket) (*ClientRecordDetails, error)
	ProcessATR(bucket *gocb.Bucket, atrID string) (ProcessATRStats, error)
	RemoveClientFromAllBuckets() error
	Close()
}

type coreLostCleanerWrapper struct {
	wrapped coretxns.LostTransactionCleaner
}

// NewLostCleanup returns a LostTransactionCleaner implementation.
// Internal: This should never be used and is not supported.
func NewLostCleanup(agentProvider coretxns.BucketAgentProviderFn, locationProvider func() ([]coretxns.LostATRLocation, error), config *Config) LostTransactionCleaner {
	corecfg := coretxns.Config{
		DurabilityLevel:                coretxns.DurabilityLevel(config.DurabilityLevel),
		KeyValueTimeout:                config.KeyValueTimeout,
		CleanupQueueSize:                config.CleanupQueueSize,
		BucketAgentProvider:             agentProvider,
		LostCleanupATRLocationProvider: locationProvider,
	}

	var clientHooks coretxns.ClientRecordHooks
	if config.Internal.ClientRecordHooks != nil {
		clientHooks = &coreClientRecordHooksWrapper{hooks: config.Internal.ClientRecordHooks}
	}
	var cleanupHooks coretxns.CleanUpHooks
	if config.Internal.CleanupHooks != nil {
		cleanupHooks = &coreCleanupHooksWrapper{hooks: config.Internal.CleanupHooks}
	}

	return &coreLostCleanerWrapper{
		wrapped: coretxns.NewLostTransactionCleaner(corecfg, clientHooks, cleanupHooks),
	}
}

func (clcw *coreLostCleanerWrapper) ProcessClient(bucket *gocb.Bucket) (*ClientRecordDetails, error) {
	type result struct {
		details *ClientRecordDetails
		err     error
	}
	waitCh := make(chan result, 1)
	clcw.wrapped.ProcessClient(bucket.Name(), func(d coretxns.ClientRecordDetails, err error) {
		if err != nil {
			waitCh <- result{err: err}
			return
		}
		waitCh <- result{details: &ClientRecordDetails{
			NumActiveClients:  d.NumActiveClients,
			IndexOfThisClient: d.IndexOfThisClient,
			OverrideEnabled:   d.OverrideEnabled,
			OverrideActive:    d.OverrideActive,
			CasNowNanos:       d.CasNowNanos,
			ClientUUID:        d.ClientUUID,
		}}
	})
	res := <-waitCh
	return res.details, res.err
}

func (clcw *coreLostCleanerWrapper) ProcessATR(bucket *gocb.Bucket, atrID string) (ProcessATRStats, error) {
	type result struct {
		stats ProcessATRStats
		err   error
	}
	waitCh := make(chan result, 1)
	clcw.wrapped.ProcessATR(bucket.Name(), atrID, func(s coretxns.ProcessATRStats, err error) {
		waitCh <- result{stats: ProcessATRStats(s), err: err}
	})
	res := <-waitCh
	return res.stats, res.err
}

func (clcw *coreLostCleanerWrapper) RemoveClientFromAllBuckets() error {
	waitCh := make(chan error, 1)
	clcw.wrapped.RemoveClientFromAllBuckets(func(err error) {
		waitCh <- err
	})
	return <-waitCh
}

func (clcw *coreLostCleanerWrapper) Close() {
	clcw.wrapped.Close()
}

func docRecordsFromCore(drs []coretxns.DocRecord) []DocRecord {
	var recs []DocRecord
	for _, i := range drs {
		recs = append(recs, DocRecord{
			CollectionName: i.CollectionName,
			ScopeName:      i.ScopeName,
			BucketName:     i.BucketName,
			ID:             string(i.ID),
		})
	}
	return recs
}

func docRecordsToCore(drs []DocRecord) []coretxns.DocRecord {
	var recs []coretxns.DocRecord
	for _, i := range drs {
		recs = append(recs, coretxns.DocRecord{
			CollectionName: i.CollectionName,
			ScopeName:      i.ScopeName,
			BucketName:     i.BucketName,
			ID:             []byte(i.ID),
		})
	}
	return recs
}

func cleanupRequestFromCore(request *coretxns.CleanupRequest) *CleanupRequest {
	return &CleanupRequest{
		AttemptID:         request.AttemptID,
		AtrID:             request.AtrID,
		AtrCollectionName: request.AtrCollectionName,
		AtrScopeName:      request.AtrScopeName,
		AtrBucketName:     request.AtrBucketName,
		Inserts:           docRecordsFromCore(request.Inserts),
		Replaces:          docRecordsFromCore(request.Replaces),
		Removes:           docRecordsFromCore(request.Removes),
		State:             AttemptState(request.State),
	}
}

func cleanupRequestToCore(request *CleanupRequest) coretxns.CleanupRequest {
	return coretxns.CleanupRequest{
		AttemptID:         request.AttemptID,
		AtrID:             request.AtrID,
		AtrCollectionName: request.AtrCollectionName,
		AtrScopeName:      request.AtrScopeName,
		AtrBucketName:     request.AtrBucketName,
		Inserts:           docRecordsToCore(request.Inserts),
		Replaces:          docRecordsToCore(request.Replaces),
		Removes:           docRecordsToCore(request.Removes),
		State:             coretxns.AttemptState(request.State),
	}
}
