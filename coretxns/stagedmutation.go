package coretxns

import (
	"sync"
	"time"

	"github.com/couchbase/gocbcore/v9"
	"github.com/couchbase/gocbcore/v9/memd"
)

// StagedMutationType is the kind of a pending write held in a staged
// mutation queue entry.
type StagedMutationType int

const (
	StagedMutationNone StagedMutationType = iota
	StagedMutationInsert
	StagedMutationReplace
	StagedMutationRemove
)

// DocRecord identifies a single document by its full collection path,
// the shape recorded in an ATR entry's inserted_ids/replaced_ids/removed_ids
// arrays, per §3.
type DocRecord struct {
	CollectionName string
	ScopeName      string
	BucketName     string
	ID             []byte
}

func (r DocRecord) toJSON() jsonAtrMutation {
	return jsonAtrMutation{
		ScopeName:      r.ScopeName,
		CollectionName: r.CollectionName,
		BucketName:     r.BucketName,
		DocID:          string(r.ID),
	}
}

// documentIdentity is the 4-tuple identity of a document (§3): two
// identities compare equal iff all four components match.
type documentIdentity struct {
	BucketName     string
	ScopeName      string
	CollectionName string
	Key            string
}

// StagedMutation is a single entry in a staged-mutation queue: one
// document's pending operation for the attempt that owns the queue.
type StagedMutation struct {
	OpType         StagedMutationType
	Agent          *gocbcore.Agent
	OboUser        string
	ScopeName      string
	CollectionName string
	Key            []byte
	Cas            gocbcore.Cas
	Staged         []byte
}

func (sm *StagedMutation) identity() documentIdentity {
	return documentIdentity{
		BucketName:     sm.Agent.BucketName(),
		ScopeName:      sm.ScopeName,
		CollectionName: sm.CollectionName,
		Key:            string(sm.Key),
	}
}

func (sm *StagedMutation) docRecord() DocRecord {
	return DocRecord{
		CollectionName: sm.CollectionName,
		ScopeName:      sm.ScopeName,
		BucketName:     sm.Agent.BucketName(),
		ID:             sm.Key,
	}
}

// stagedMutationQueue is the per-attempt ordered set of pending
// document writes described in §3/§4.5. Lookups are O(n); attempts
// touch a handful of documents so this is not a hot path.
type stagedMutationQueue struct {
	lock  sync.Mutex
	items []*StagedMutation
}

func (q *stagedMutationQueue) Empty() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items) == 0
}

func (q *stagedMutationQueue) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.items = nil
}

func (q *stagedMutationQueue) find(id documentIdentity) (int, *StagedMutation) {
	for i, item := range q.items {
		if item.identity() == id {
			return i, item
		}
	}
	return -1, nil
}

func (q *stagedMutationQueue) FindInsert(id documentIdentity) *StagedMutation {
	q.lock.Lock()
	defer q.lock.Unlock()
	_, item := q.find(id)
	if item == nil || item.OpType != StagedMutationInsert {
		return nil
	}
	return item
}

func (q *stagedMutationQueue) FindReplace(id documentIdentity) *StagedMutation {
	q.lock.Lock()
	defer q.lock.Unlock()
	_, item := q.find(id)
	if item == nil || item.OpType != StagedMutationReplace {
		return nil
	}
	return item
}

func (q *stagedMutationQueue) FindRemove(id documentIdentity) *StagedMutation {
	q.lock.Lock()
	defer q.lock.Unlock()
	_, item := q.find(id)
	if item == nil || item.OpType != StagedMutationRemove {
		return nil
	}
	return item
}

func (q *stagedMutationQueue) FindAny(id documentIdentity) *StagedMutation {
	q.lock.Lock()
	defer q.lock.Unlock()
	_, item := q.find(id)
	return item
}

// Add appends a new entry, or collapses it against an existing entry
// for the same document identity per the collapse table in §4.5. It
// returns ErrIllegalState for a disallowed transition (own-write of an
// insert, or any further write after a remove).
func (q *stagedMutationQueue) Add(entry *StagedMutation) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	id := entry.identity()
	idx, existing := q.find(id)
	if existing == nil {
		q.items = append(q.items, entry)
		return nil
	}

	switch existing.OpType {
	case StagedMutationInsert:
		switch entry.OpType {
		case StagedMutationInsert:
			return ErrIllegalState
		case StagedMutationReplace:
			existing.Staged = entry.Staged
			existing.Cas = entry.Cas
			return nil
		case StagedMutationRemove:
			// Removing a document this same attempt inserted collapses
			// back to a no-op locally; no ATR trace is needed for it.
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			return nil
		}
	case StagedMutationReplace:
		switch entry.OpType {
		case StagedMutationInsert:
			return ErrIllegalState
		case StagedMutationReplace:
			existing.Staged = entry.Staged
			existing.Cas = entry.Cas
			return nil
		case StagedMutationRemove:
			existing.OpType = StagedMutationRemove
			existing.Staged = nil
			existing.Cas = entry.Cas
			return nil
		}
	case StagedMutationRemove:
		return ErrIllegalState
	}

	return ErrIllegalState
}

// ToDocRecords partitions the queue's entries into the three arrays
// recorded on the ATR entry (inserted_ids, replaced_ids, removed_ids),
// consumed by atrStateOps when building the ATR-COMMIT/ATR-ABORT request.
func (q *stagedMutationQueue) ToDocRecords() (inserts, replaces, removes []DocRecord) {
	q.lock.Lock()
	defer q.lock.Unlock()

	for _, item := range q.items {
		switch item.OpType {
		case StagedMutationInsert:
			inserts = append(inserts, item.docRecord())
		case StagedMutationReplace:
			replaces = append(replaces, item.docRecord())
		case StagedMutationRemove:
			removes = append(removes, item.docRecord())
		}
	}
	return
}

func (q *stagedMutationQueue) snapshot() []*StagedMutation {
	q.lock.Lock()
	defer q.lock.Unlock()
	out := make([]*StagedMutation, len(q.items))
	copy(out, q.items)
	return out
}

// unstageOptions carries the durability and timeout settings each
// per-document commit/rollback replay is issued with.
type unstageOptions struct {
	DurabilityLevel  memd.DurabilityLevel
	OperationTimeout time.Duration
	EnableParallel   bool
}

// Commit drains the queue in insertion order (or, when
// opts.EnableParallel is set, with one goroutine per entry) replaying each
// entry's unstage per §4.5: INSERT/REPLACE upsert the final body and
// strip the txn.* xattrs; REMOVE issues a durable remove.
func (q *stagedMutationQueue) Commit(opts unstageOptions, cb func(failed []*StagedMutation, err error)) {
	items := q.snapshot()
	q.forEachUnstage(items, opts, commitOneMutation, cb)
}

// Rollback reverses each entry: INSERT is undone with a durable remove
// of its tombstone, REPLACE/REMOVE are undone by stripping the txn.*
// xattrs and leaving the original body untouched.
func (q *stagedMutationQueue) Rollback(opts unstageOptions, cb func(failed []*StagedMutation, err error)) {
	items := q.snapshot()
	q.forEachUnstage(items, opts, rollbackOneMutation, cb)
}

type unstageFn func(item *StagedMutation, opts unstageOptions, cb func(error))

func (q *stagedMutationQueue) forEachUnstage(items []*StagedMutation, opts unstageOptions, fn unstageFn, cb func(failed []*StagedMutation, err error)) {
	if len(items) == 0 {
		cb(nil, nil)
		return
	}

	if opts.EnableParallel {
		var wg sync.WaitGroup
		var lock sync.Mutex
		var failed []*StagedMutation
		for _, item := range items {
			wg.Add(1)
			go func(item *StagedMutation) {
				fn(item, opts, func(err error) {
					if err != nil {
						lock.Lock()
						failed = append(failed, item)
						lock.Unlock()
					}
					wg.Done()
				})
			}(item)
		}
		wg.Wait()
		cb(failed, nil)
		return
	}

	var failed []*StagedMutation
	var step func(i int)
	step = func(i int) {
		if i >= len(items) {
			cb(failed, nil)
			return
		}
		fn(items[i], opts, func(err error) {
			if err != nil {
				failed = append(failed, items[i])
			}
			step(i + 1)
		})
	}
	step(0)
}

func deadlineFrom(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func commitOneMutation(item *StagedMutation, opts unstageOptions, cb func(error)) {
	switch item.OpType {
	case StagedMutationRemove:
		_, err := item.Agent.Delete(gocbcore.DeleteOptions{
			Key:             item.Key,
			Cas:             item.Cas,
			CollectionName:  item.CollectionName,
			ScopeName:       item.ScopeName,
			DurabilityLevel: opts.DurabilityLevel,
			Deadline:        deadlineFrom(opts.OperationTimeout),
		}, func(_ *gocbcore.DeleteResult, err error) {
			cb(err)
		})
		if err != nil {
			cb(err)
		}
	default:
		_, err := item.Agent.MutateIn(gocbcore.MutateInOptions{
			Key: item.Key,
			Ops: []gocbcore.SubDocOp{
				{
					Op:    memd.SubDocOpDelete,
					Flags: memd.SubdocFlagXattrPath,
					Path:  "txn",
				},
				{
					Op:    memd.SubDocOpSetDoc,
					Flags: memd.SubdocFlagNone,
					Value: item.Staged,
				},
			},
			Cas:             item.Cas,
			CollectionName:  item.CollectionName,
			ScopeName:       item.ScopeName,
			DurabilityLevel: opts.DurabilityLevel,
			Deadline:        deadlineFrom(opts.OperationTimeout),
		}, func(_ *gocbcore.MutateInResult, err error) {
			cb(err)
		})
		if err != nil {
			cb(err)
		}
	}
}

func rollbackOneMutation(item *StagedMutation, opts unstageOptions, cb func(error)) {
	switch item.OpType {
	case StagedMutationInsert:
		_, err := item.Agent.Delete(gocbcore.DeleteOptions{
			Key:             item.Key,
			Cas:             item.Cas,
			CollectionName:  item.CollectionName,
			ScopeName:       item.ScopeName,
			DurabilityLevel: opts.DurabilityLevel,
			Deadline:        deadlineFrom(opts.OperationTimeout),
		}, func(_ *gocbcore.DeleteResult, err error) {
			cb(err)
		})
		if err != nil {
			cb(err)
		}
	default:
		_, err := item.Agent.MutateIn(gocbcore.MutateInOptions{
			Key: item.Key,
			Ops: []gocbcore.SubDocOp{
				{
					Op:    memd.SubDocOpDelete,
					Flags: memd.SubdocFlagXattrPath,
					Path:  "txn",
				},
			},
			Cas:             item.Cas,
			CollectionName:  item.CollectionName,
			ScopeName:       item.ScopeName,
			DurabilityLevel: opts.DurabilityLevel,
			Deadline:        deadlineFrom(opts.OperationTimeout),
		}, func(_ *gocbcore.MutateInResult, err error) {
			cb(err)
		})
		if err != nil {
			cb(err)
		}
	}
}
