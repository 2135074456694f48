package coretxns

import (
	"container/heap"
	"time"

	"github.com/couchbase/gocbcore/v9"
	"github.com/couchbase/gocbcore/v9/memd"
)

// CleanupRequest describes one ATR entry a cleanup pass needs to
// resolve, whether discovered by the owning attempt itself or by a
// lost-attempt scan.
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
	insertedAt        time.Time
}

// CleanupAttempt is the outcome of processing one CleanupRequest.
type CleanupAttempt struct {
	Success           bool
	IsRegular         bool
	AttemptID         string
	AtrID             string
	AtrCollectionName string
	AtrScopeName      string
	AtrBucketName     string
	Request           CleanupRequest
}

// Cleaner holds cleanup requests in a queue for a caller to add and pop;
// it does not process them itself, and attempts do not add to it as
// they complete.
type Cleaner interface {
	AddRequest(req CleanupRequest) bool
	PopOne() (CleanupRequest, bool)
	Close()
}

// cleanupQueue is a container/heap priority queue keyed on the time a
// request was queued, so the oldest pending cleanup is always
// processed first.
type cleanupQueue struct {
	items []*CleanupRequest
}

func (q cleanupQueue) Len() int { return len(q.items) }
func (q cleanupQueue) Less(i, j int) bool {
	return q.items[i].insertedAt.Before(q.items[j].insertedAt)
}
func (q cleanupQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *cleanupQueue) Push(x interface{}) {
	q.items = append(q.items, x.(*CleanupRequest))
}

func (q *cleanupQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

type stdCleaner struct {
	lock      chanMutex
	queue     cleanupQueue
	maxSize   uint32
	hooks     CleanUpHooks
	closeCh   chan struct{}
}

type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (c chanMutex) Lock()   { <-c }
func (c chanMutex) Unlock() { c <- struct{}{} }

// NewCleaner builds a Cleaner backed by a bounded, in-memory priority
// queue. maxSize of 0 means unbounded.
func NewCleaner(maxSize uint32, hooks CleanUpHooks) Cleaner {
	return newStdCleaner(maxSize, hooks)
}

func newStdCleaner(maxSize uint32, hooks CleanUpHooks) *stdCleaner {
	if hooks == nil {
		hooks = DefaultCleanupHooks{}
	}
	return &stdCleaner{
		lock:    newChanMutex(),
		maxSize: maxSize,
		hooks:   hooks,
		closeCh: make(chan struct{}),
	}
}

func (c *stdCleaner) AddRequest(req CleanupRequest) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.maxSize > 0 && uint32(c.queue.Len()) >= c.maxSize {
		return false
	}

	req.insertedAt = time.Now()
	heap.Push(&c.queue, &req)
	return true
}

func (c *stdCleaner) PopOne() (CleanupRequest, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.queue.Len() == 0 {
		return CleanupRequest{}, false
	}
	req := heap.Pop(&c.queue).(*CleanupRequest)
	return *req, true
}

func (c *stdCleaner) Close() {
	close(c.closeCh)
}

// cleanupAttempt resolves a single ATR entry by replaying the same
// commit or rollback continuation the owning attempt would have run,
// then removing the entry once every document is resolved. Its only
// caller is lost-attempt cleanup (ProcessATR).
func cleanupAttempt(agentProvider BucketAgentProviderFn, hooks CleanUpHooks, req CleanupRequest, kvTimeout time.Duration, cb func(CleanupAttempt, error)) {
	if hooks == nil {
		hooks = DefaultCleanupHooks{}
	}

	atrAgent, oboUser, err := agentProvider(req.AtrBucketName)
	if err != nil {
		cb(CleanupAttempt{}, err)
		return
	}
	_ = oboUser

	deadline := time.Now().Add(kvTimeout)

	var docs []DocRecord
	var unstageDoc func(agent *gocbcore.Agent, rec DocRecord, isRemove bool, done func(error))

	unstageDoc = func(agent *gocbcore.Agent, rec DocRecord, isRemove bool, done func(error)) {
		hooks.BeforeCommitDoc(string(rec.ID), func(err error) {
			if err != nil {
				done(err)
				return
			}

			ops := []gocbcore.SubDocOp{
				{Op: memd.SubDocOpDelete, Path: "txn", Flags: memd.SubdocFlagXattrPath},
			}
			if !isRemove {
				_, err := agent.MutateIn(gocbcore.MutateInOptions{
					Key:      rec.ID,
					Ops:      ops,
					Deadline: deadline,
				}, func(_ *gocbcore.MutateInResult, err error) {
					done(err)
				})
				if err != nil {
					done(err)
				}
				return
			}

			_, err = agent.Delete(gocbcore.DeleteOptions{
				Key:      rec.ID,
				Deadline: deadline,
			}, func(_ *gocbcore.DeleteResult, err error) {
				done(err)
			})
			if err != nil {
				done(err)
			}
		})
	}

	switch req.State {
	case AttemptStateCommitted, AttemptStateCompleted:
		docs = append(append(append([]DocRecord{}, req.Inserts...), req.Replaces...), req.Removes...)
	default:
		docs = append(append([]DocRecord{}, req.Inserts...), req.Replaces...)
	}

	var step func(i int)
	step = func(i int) {
		if i >= len(docs) {
			removeAtrEntry(atrAgent, req, hooks, deadline, func(err error) {
				cb(CleanupAttempt{
					Success:           err == nil,
					AttemptID:         req.AttemptID,
					AtrID:             req.AtrID,
					AtrBucketName:     req.AtrBucketName,
					AtrScopeName:      req.AtrScopeName,
					AtrCollectionName: req.AtrCollectionName,
					Request:           req,
				}, err)
			})
			return
		}

		rec := docs[i]
		agent, _, err := agentProvider(rec.BucketName)
		if err != nil {
			step(i + 1)
			return
		}

		isRemove := req.State == AttemptStateCommitted || req.State == AttemptStateCompleted
		isRemove = isRemove && containsRecord(req.Removes, rec)

		unstageDoc(agent, rec, isRemove, func(err error) {
			if err != nil {
				ce := classifyError(err)
				if ce.Class != ErrorClassFailDocNotFound && ce.Class != ErrorClassFailPathNotFound {
					cb(CleanupAttempt{Request: req}, err)
					return
				}
			}
			step(i + 1)
		})
	}
	step(0)
}

func containsRecord(recs []DocRecord, rec DocRecord) bool {
	for _, r := range recs {
		if r.BucketName == rec.BucketName && r.ScopeName == rec.ScopeName && r.CollectionName == rec.CollectionName && string(r.ID) == string(rec.ID) {
			return true
		}
	}
	return false
}

func removeAtrEntry(atrAgent *gocbcore.Agent, req CleanupRequest, hooks CleanUpHooks, deadline time.Time, cb func(error)) {
	hooks.BeforeATRRemove(func(err error) {
		if err != nil {
			cb(err)
			return
		}

		_, err = atrAgent.MutateIn(gocbcore.MutateInOptions{
			Key: []byte(req.AtrID),
			Ops: []gocbcore.SubDocOp{
				{Op: memd.SubDocOpDelete, Path: "attempts." + req.AttemptID, Flags: memd.SubdocFlagXattrPath},
			},
			ScopeName:      req.AtrScopeName,
			CollectionName: req.AtrCollectionName,
			Deadline:       deadline,
		}, func(_ *gocbcore.MutateInResult, err error) {
			cb(err)
		})
		if err != nil {
			cb(err)
		}
	})
}
