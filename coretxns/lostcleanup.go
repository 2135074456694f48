package coretxns

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/couchbase/gocbcore/v9"
	"github.com/couchbase/gocbcore/v9/memd"
	"github.com/google/uuid"
)

func jsonNumberString(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseJSONNumberString(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// clientRecordKey is the well-known document each bucket's lost-attempt
// cleanup processes coordinate through, per §4.9.
var clientRecordKey = []byte("_txn:client-record")

type jsonClientOverride struct {
	Enabled      bool  `json:"enabled,omitempty"`
	ExpiresAtMS  int64 `json:"expires,omitempty"`
}

type jsonClientEntry struct {
	HeartbeatMS string `json:"heartbeat_ms,omitempty"`
	ExpiresMS   uint32 `json:"expires_ms,omitempty"`
	NumATRs     uint32 `json:"num_atrs,omitempty"`
}

type jsonClientRecords struct {
	Clients  map[string]jsonClientEntry `json:"clients,omitempty"`
	Override *jsonClientOverride        `json:"override,omitempty"`
}

// ClientRecordDetails is the parsed, ranked view of a client-record
// document used to decide this process's slice of the 1024 ATRs.
type ClientRecordDetails struct {
	NumActiveClients   int
	IndexOfThisClient  int
	NumExistingClients int
	NumExpiredClients  int
	OverrideActive     bool
	OverrideEnabled    bool
	OverrideExpiresAt  time.Time
	CasNowNanos        int64
	ClientUUID         string
}

// ProcessATRStats summarizes one pass over a single ATR document.
type ProcessATRStats struct {
	NumEntries         int
	NumEntriesExpired  int
	NumEntriesCleaned  int
}

// LostTransactionCleaner scans the ATRs assigned to this client for
// expired attempts abandoned by a crashed or partitioned client, and
// resolves them the same way the owning client would have, per §4.9.
type LostTransactionCleaner interface {
	ProcessClient(bucketName string, cb func(ClientRecordDetails, error))
	ProcessATR(bucketName, atrID string, cb func(ProcessATRStats, error))
	RemoveClientFromAllBuckets(cb func(error))
	Close()
}

const (
	clientRecordCleanupWindow  = 60 * time.Second
	clientExpiryGracePeriod    = 2 * clientRecordCleanupWindow
)

type stdLostTransactionCleaner struct {
	uuid          string
	config        Config
	hooks         ClientRecordHooks
	cleanupHooks  CleanUpHooks
	locations     func() ([]LostATRLocation, error)

	lock     sync.Mutex
	stopCh   chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

func newLostTransactionCleaner(cfg Config) *lostTransactionCleaner {
	return &lostTransactionCleaner{
		impl: &stdLostTransactionCleaner{
			uuid:         uuid.New().String(),
			config:       cfg,
			hooks:        DefaultClientRecordHooks{},
			cleanupHooks: DefaultCleanupHooks{},
			locations:    cfg.LostCleanupATRLocationProvider,
			stopCh:       make(chan struct{}),
		},
	}
}

// NewLostTransactionCleaner builds a LostTransactionCleaner usable on
// its own, independent of a running Transactions instance's background
// loop - e.g. for an application that wants to drive cleanup passes
// itself, or run them out-of-process.
func NewLostTransactionCleaner(cfg Config, hooks ClientRecordHooks, cleanupHooks CleanUpHooks) LostTransactionCleaner {
	if hooks == nil {
		hooks = DefaultClientRecordHooks{}
	}
	if cleanupHooks == nil {
		cleanupHooks = DefaultCleanupHooks{}
	}
	return &stdLostTransactionCleaner{
		uuid:         uuid.New().String(),
		config:       cfg,
		hooks:        hooks,
		cleanupHooks: cleanupHooks,
		locations:    cfg.LostCleanupATRLocationProvider,
		stopCh:       make(chan struct{}),
	}
}

// lostTransactionCleaner is the background driver: a single goroutine
// that, once per configured cleanup window, runs ProcessClient/ProcessATR
// over every known bucket location in turn.
type lostTransactionCleaner struct {
	impl *stdLostTransactionCleaner
}

func (c *lostTransactionCleaner) start() {
	c.impl.wg.Add(1)
	go c.impl.loop()
}

func (c *lostTransactionCleaner) stop() {
	c.impl.lock.Lock()
	if !c.impl.stopped {
		c.impl.stopped = true
		close(c.impl.stopCh)
	}
	c.impl.lock.Unlock()
	c.impl.wg.Wait()
}

func (c *stdLostTransactionCleaner) loop() {
	defer c.wg.Done()

	window := c.config.CleanupWindow
	if window <= 0 {
		window = clientRecordCleanupWindow
	}

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		locs, err := c.locationsOrEmpty()
		if err != nil {
			logWarnf("lost cleanup: failed to resolve ATR locations: %v", err)
		}

		for _, loc := range locs {
			details, err := c.processClientSync(loc.BucketName)
			if err != nil {
				logWarnf("lost cleanup: ProcessClient(%s) failed: %v", loc.BucketName, err)
				continue
			}

			atrs := atrsToHandle(details, atrIDList)
			for _, atrID := range atrs {
				select {
				case <-c.stopCh:
					return
				default:
				}
				if _, err := c.processATRSync(loc.BucketName, loc.ScopeName, loc.CollectionName, atrID); err != nil {
					logWarnf("lost cleanup: ProcessATR(%s) failed: %v", atrID, err)
				}
			}
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(window):
		}
	}
}

func (c *stdLostTransactionCleaner) locationsOrEmpty() ([]LostATRLocation, error) {
	if c.locations == nil {
		return nil, nil
	}
	return c.locations()
}

// atrsToHandle partitions the fixed ATR ID table across the ranked set
// of active clients round-robin, so that each live client cleans a
// disjoint roughly-equal slice and coverage stays complete as clients
// come and go.
func atrsToHandle(details ClientRecordDetails, allATRs []string) []string {
	if details.NumActiveClients <= 0 {
		return allATRs
	}

	var mine []string
	for i, atr := range allATRs {
		if i%details.NumActiveClients == details.IndexOfThisClient {
			mine = append(mine, atr)
		}
	}
	return mine
}

func (c *stdLostTransactionCleaner) processClientSync(bucketName string) (ClientRecordDetails, error) {
	var out ClientRecordDetails
	var outErr error
	done := make(chan struct{})
	c.ProcessClient(bucketName, func(d ClientRecordDetails, err error) {
		out, outErr = d, err
		close(done)
	})
	<-done
	return out, outErr
}

func (c *stdLostTransactionCleaner) processATRSync(bucketName, scopeName, collectionName, atrID string) (ProcessATRStats, error) {
	var out ProcessATRStats
	var outErr error
	done := make(chan struct{})
	c.ProcessATR(bucketName, atrID, func(s ProcessATRStats, err error) {
		out, outErr = s, err
		close(done)
	})
	_ = scopeName
	_ = collectionName
	<-done
	return out, outErr
}

// ProcessClient registers this client's heartbeat in the bucket's
// client-record document, prunes clients that have gone silent past
// the expiry grace period, and returns this client's rank among the
// survivors.
func (c *stdLostTransactionCleaner) ProcessClient(bucketName string, cb func(ClientRecordDetails, error)) {
	agent, _, err := c.config.BucketAgentProvider(bucketName)
	if err != nil {
		cb(ClientRecordDetails{}, err)
		return
	}

	c.hooks.BeforeGetRecord(func(err error) {
		if err != nil {
			cb(ClientRecordDetails{}, err)
			return
		}

		getClientRecord(agent, func(records jsonClientRecords, cas gocbcore.Cas, nowNanos int64, exists bool, err error) {
			if err != nil {
				cb(ClientRecordDetails{}, err)
				return
			}

			if records.Clients == nil {
				records.Clients = map[string]jsonClientEntry{}
			}

			nowMS := nowNanos / int64(time.Millisecond)
			records.Clients[c.uuid] = jsonClientEntry{
				HeartbeatMS: formatMS(nowMS),
				ExpiresMS:   uint32(clientExpiryGracePeriod / time.Millisecond),
				NumATRs:     uint32(len(atrIDList)),
			}

			for id, entry := range records.Clients {
				if id == c.uuid {
					continue
				}
				hbMS := parseMS(entry.HeartbeatMS)
				if nowMS-hbMS > int64(entry.ExpiresMS) {
					delete(records.Clients, id)
				}
			}

			ids := make([]string, 0, len(records.Clients))
			for id := range records.Clients {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			idx := -1
			for i, id := range ids {
				if id == c.uuid {
					idx = i
					break
				}
			}

			details := ClientRecordDetails{
				NumActiveClients:  len(ids),
				IndexOfThisClient: idx,
				ClientUUID:        c.uuid,
				CasNowNanos:       nowNanos,
			}
			if records.Override != nil {
				details.OverrideEnabled = records.Override.Enabled
				details.OverrideExpiresAt = time.Unix(0, records.Override.ExpiresAtMS*int64(time.Millisecond))
				details.OverrideActive = records.Override.Enabled && time.Now().Before(details.OverrideExpiresAt)
			}

			c.putClientRecord(agent, records, cas, exists, func(err error) {
				cb(details, err)
			})
		})
	})
}

func formatMS(ms int64) string {
	return jsonNumberString(ms)
}

func parseMS(s string) int64 {
	v, _ := parseJSONNumberString(s)
	return v
}

func (c *stdLostTransactionCleaner) putClientRecord(agent *gocbcore.Agent, records jsonClientRecords, cas gocbcore.Cas, exists bool, cb func(error)) {
	c.hooks.BeforeCreateRecord(func(err error) {
		if err != nil {
			cb(err)
			return
		}

		raw, _ := json.Marshal(records)

		if !exists {
			_, err := agent.MutateIn(gocbcore.MutateInOptions{
				Key: clientRecordKey,
				Ops: []gocbcore.SubDocOp{
					{Op: memd.SubDocOpDictSet, Path: "records", Value: raw, Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagMkDirP},
				},
				Flags: memd.SubdocDocFlagMkDoc,
			}, func(_ *gocbcore.MutateInResult, err error) {
				cb(err)
			})
			if err != nil {
				cb(err)
			}
			return
		}

		_, err = agent.MutateIn(gocbcore.MutateInOptions{
			Key: clientRecordKey,
			Ops: []gocbcore.SubDocOp{
				{Op: memd.SubDocOpDictSet, Path: "records", Value: raw, Flags: memd.SubdocFlagXattrPath},
			},
			Cas: cas,
		}, func(_ *gocbcore.MutateInResult, err error) {
			cb(err)
		})
		if err != nil {
			cb(err)
		}
	})
}

func getClientRecord(agent *gocbcore.Agent, cb func(jsonClientRecords, gocbcore.Cas, int64, bool, error)) {
	_, err := agent.LookupIn(gocbcore.LookupInOptions{
		Key: clientRecordKey,
		Ops: []gocbcore.SubDocOp{
			{Op: memd.SubDocOpGet, Path: "records", Flags: memd.SubdocFlagXattrPath},
			{Op: memd.SubDocOpGet, Path: hlcMacro, Flags: memd.SubdocFlagXattrPath},
		},
	}, func(result *gocbcore.LookupInResult, err error) {
		if err != nil {
			if classifyError(err).Class == ErrorClassFailDocNotFound {
				cb(jsonClientRecords{}, 0, time.Now().UnixNano(), false, nil)
				return
			}
			cb(jsonClientRecords{}, 0, 0, false, err)
			return
		}

		var records jsonClientRecords
		if result.Ops[0].Err == nil {
			_ = json.Unmarshal(result.Ops[0].Value, &records)
		}

		nowNanos := time.Now().UnixNano()
		if result.Ops[1].Err == nil {
			var hlc jsonHLC
			if json.Unmarshal(result.Ops[1].Value, &hlc) == nil {
				if secs, err := parseHLCToSeconds(hlc); err == nil {
					nowNanos = secs * int64(time.Second)
				}
			}
		}

		cb(records, result.Cas, nowNanos, true, nil)
	})
	if err != nil {
		cb(jsonClientRecords{}, 0, 0, false, err)
	}
}

// ProcessATR scans a single ATR document for entries whose attempt has
// expired and resolves each one via cleanupAttempt.
func (c *stdLostTransactionCleaner) ProcessATR(bucketName, atrID string, cb func(ProcessATRStats, error)) {
	agent, _, err := c.config.BucketAgentProvider(bucketName)
	if err != nil {
		cb(ProcessATRStats{}, err)
		return
	}

	getAtrEntries(agent, "", "", atrID, time.Now().Add(2500*time.Millisecond), func(attempts map[string]jsonAtrAttempt, nowMS int64, err error) {
		if err != nil {
			if classifyError(err).Class == ErrorClassFailDocNotFound {
				cb(ProcessATRStats{}, nil)
				return
			}
			cb(ProcessATRStats{}, err)
			return
		}

		stats := ProcessATRStats{NumEntries: len(attempts)}

		var expired []CleanupRequest
		for id, raw := range attempts {
			entry := newAtrEntry(id, raw, bucketName)
			if !entry.hasExpired(nowMS, defaultCleanupSafetyMarginMS) {
				continue
			}
			stats.NumEntriesExpired++
			expired = append(expired, CleanupRequest{
				AttemptID:         id,
				AtrID:             atrID,
				AtrBucketName:     bucketName,
				Inserts:           entry.Inserts,
				Replaces:          entry.Replaces,
				Removes:           entry.Removes,
				State:             entry.State,
			})
		}

		var step func(i int)
		step = func(i int) {
			if i >= len(expired) {
				cb(stats, nil)
				return
			}
			cleanupAttempt(c.config.BucketAgentProvider, c.cleanupHooks, expired[i], c.config.KeyValueTimeout, func(res CleanupAttempt, err error) {
				if err == nil && res.Success {
					stats.NumEntriesCleaned++
				}
				step(i + 1)
			})
		}
		step(0)
	})
}

// RemoveClientFromAllBuckets deregisters this client from every
// bucket's client-record document, called on graceful shutdown so
// survivors don't wait out its full expiry grace period.
func (c *stdLostTransactionCleaner) RemoveClientFromAllBuckets(cb func(error)) {
	locs, err := c.locationsOrEmpty()
	if err != nil {
		cb(err)
		return
	}

	var step func(i int)
	step = func(i int) {
		if i >= len(locs) {
			cb(nil)
			return
		}
		agent, _, err := c.config.BucketAgentProvider(locs[i].BucketName)
		if err != nil {
			step(i + 1)
			return
		}
		c.hooks.BeforeRemoveClient(func(err error) {
			if err != nil {
				step(i + 1)
				return
			}
			_, _ = agent.MutateIn(gocbcore.MutateInOptions{
				Key: clientRecordKey,
				Ops: []gocbcore.SubDocOp{
					{Op: memd.SubDocOpDelete, Path: "records.clients." + c.uuid, Flags: memd.SubdocFlagXattrPath},
				},
			}, func(_ *gocbcore.MutateInResult, _ error) {
				step(i + 1)
			})
		})
	}
	step(0)
}

func (c *stdLostTransactionCleaner) Close() {}
