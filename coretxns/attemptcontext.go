package coretxns

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/couchbase/gocbcore/v9"
	"github.com/couchbase/gocbcore/v9/memd"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
)

// GetResult is the outcome of a successful Get/GetOptional: the
// document's current body together with the bookkeeping the engine
// needs to stage a later write against it.
type GetResult struct {
	agent          *gocbcore.Agent
	oboUser        string
	scopeName      string
	collectionName string
	key            []byte

	Cas   gocbcore.Cas
	Value []byte

	// txnMeta is set when the document carries staged transaction
	// metadata from another (possibly still in-flight) attempt.
	txnMeta *jsonTxnXattr
}

// AttemptContext drives a single attempt at a logical transaction: one
// pass through Get/Insert/Replace/Remove calls followed by Commit or
// Rollback, per §4.7.
type AttemptContext struct {
	txn    *transaction
	hooks  TransactionHooks
	config Config

	agentProvider BucketAgentProviderFn

	id string

	lock               sync.Mutex
	state              AttemptState
	expiryOvertimeMode bool
	finalErr           error

	staged *stagedMutationQueue

	atrAgent           *gocbcore.Agent
	atrScopeName       string
	atrCollectionName  string
	atrID              string
	atrLocationChosen  bool

	span opentracing.Span
}

func newAttemptContext(txn *transaction, cfg Config, hooks TransactionHooks) *AttemptContext {
	if hooks == nil {
		hooks = DefaultHooks{}
	}
	id := uuid.New().String()
	return &AttemptContext{
		txn:           txn,
		hooks:         hooks,
		config:        cfg,
		agentProvider: cfg.BucketAgentProvider,
		id:            id,
		state:         AttemptStateNothingWritten,
		staged:        &stagedMutationQueue{},
		span:          startAttemptSpan(cfg.Tracer, txn.id, id),
	}
}

func (ac *AttemptContext) deadline() time.Time {
	return time.Now().Add(ac.kvTimeout())
}

func (ac *AttemptContext) kvTimeout() time.Duration {
	if ac.config.KeyValueTimeout > 0 {
		return ac.config.KeyValueTimeout
	}
	return 2500 * time.Millisecond
}

func (ac *AttemptContext) durability() memd.DurabilityLevel {
	if ac.config.DurabilityLevel == DurabilityLevelUnknown {
		return DurabilityLevelMajority.toMemd()
	}
	return ac.config.DurabilityLevel.toMemd()
}

// checkExpired reports whether this attempt's transaction has run out
// of time. Once expiryOvertimeMode is entered, the check no longer
// fires so that the single final commit/rollback pass is allowed to
// finish, per §4.7.
func (ac *AttemptContext) checkExpired() bool {
	ac.lock.Lock()
	overtime := ac.expiryOvertimeMode
	ac.lock.Unlock()
	if overtime {
		return false
	}
	return ac.txn.hasExpired()
}

// IsExpired reports whether this attempt's transaction has run past its
// expiry budget. Unlike checkExpired, it ignores expiry-overtime mode.
func (ac *AttemptContext) IsExpired() bool {
	return ac.txn.hasExpired()
}

func (ac *AttemptContext) enterExpiryOvertimeMode() {
	ac.lock.Lock()
	ac.expiryOvertimeMode = true
	ac.lock.Unlock()
}

func (ac *AttemptContext) setState(s AttemptState) {
	ac.lock.Lock()
	ac.state = s
	ac.lock.Unlock()
}

func (ac *AttemptContext) getState() AttemptState {
	ac.lock.Lock()
	defer ac.lock.Unlock()
	return ac.state
}

func (ac *AttemptContext) agentFor(bucketName string) (*gocbcore.Agent, string, error) {
	if ac.agentProvider == nil {
		return nil, "", ErrHard
	}
	return ac.agentProvider(bucketName)
}

// chooseAtrLocation picks the attempt's ATR the first time a mutation
// needs one: vbucketForKey(key) selects one of the 1024 well-known ATR
// documents in the same bucket as the first mutated document, per
// §4.3. Every later mutation in the attempt reuses this same ATR.
func (ac *AttemptContext) chooseAtrLocation(agent *gocbcore.Agent, scopeName, collectionName string, key []byte) {
	ac.lock.Lock()
	defer ac.lock.Unlock()
	if ac.atrLocationChosen {
		return
	}

	vb := vbucketForKey(key)
	ac.atrAgent = agent
	ac.atrScopeName = scopeName
	ac.atrCollectionName = collectionName
	ac.atrID = atrIDForVbucket(vb)
	ac.atrLocationChosen = true

	ac.txn.setAtrLocation(atrLocation{
		BucketName:     agent.BucketName(),
		ScopeName:      scopeName,
		CollectionName: collectionName,
		ATRID:          ac.atrID,
	})
}

// --- Get ---------------------------------------------------------------

// Get performs a transactional read. If the document carries staged
// metadata from a conflicting, not-yet-resolved attempt, the blocking
// rules of §4.7 decide whether to wait, read the pre-transaction body,
// or fail the attempt with a write-write conflict.
func (ac *AttemptContext) Get(agent *gocbcore.Agent, oboUser, scopeName, collectionName string, key []byte, cb func(*GetResult, error)) {
	span := ac.startOpSpan("get", string(key))
	tracedCb := func(res *GetResult, err error) {
		span.Finish()
		cb(res, err)
	}

	if ac.checkExpired() {
		tracedCb(nil, createOperationFailedError(operationFailedDef{
			Cerr:   classifyError(ErrAttemptExpired),
			Reason: ErrorReasonTransactionExpired,
		}))
		return
	}

	ac.getFullDoc(agent, oboUser, scopeName, collectionName, key, tracedCb)
}

// GetOptional behaves like Get but returns (nil, nil) instead of a
// not-found error when the document does not exist.
func (ac *AttemptContext) GetOptional(agent *gocbcore.Agent, oboUser, scopeName, collectionName string, key []byte, cb func(*GetResult, error)) {
	ac.Get(agent, oboUser, scopeName, collectionName, key, func(res *GetResult, err error) {
		var opErr *TransactionOperationFailedError
		if err != nil && asOperationFailed(err, &opErr) {
			if ce := asClassified(opErr); ce == ErrorClassFailDocNotFound {
				cb(nil, nil)
				return
			}
		}
		cb(res, err)
	})
}

func asOperationFailed(err error, out **TransactionOperationFailedError) bool {
	tfe, ok := err.(*TransactionOperationFailedError)
	if ok {
		*out = tfe
	}
	return ok
}

func asClassified(tfe *TransactionOperationFailedError) ErrorClass {
	return tfe.ErrorClass()
}

func (ac *AttemptContext) getFullDoc(agent *gocbcore.Agent, oboUser, scopeName, collectionName string, key []byte, cb func(*GetResult, error)) {
	_, err := agent.LookupIn(gocbcore.LookupInOptions{
		Key: key,
		Ops: []gocbcore.SubDocOp{
			{Op: memd.SubDocOpGet, Path: "txn", Flags: memd.SubdocFlagXattrPath},
			{Op: memd.SubDocOpGetDoc, Path: "", Flags: memd.SubdocFlagNone},
		},
		Deadline:       ac.deadline(),
		ScopeName:      scopeName,
		CollectionName: collectionName,
	}, func(result *gocbcore.LookupInResult, err error) {
		if err != nil {
			ce := classifyError(err)
			cb(nil, createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionFailed}))
			return
		}

		res := &GetResult{
			agent:          agent,
			oboUser:        oboUser,
			scopeName:      scopeName,
			collectionName: collectionName,
			key:            key,
			Cas:            result.Cas,
		}

		if result.Ops[1].Err == nil {
			res.Value = result.Ops[1].Value
		}

		if result.Ops[0].Err == nil {
			var meta jsonTxnXattr
			if jerr := json.Unmarshal(result.Ops[0].Value, &meta); jerr == nil {
				res.txnMeta = &meta
			}
		}

		if res.txnMeta != nil && res.txnMeta.ID.Attempt != ac.id {
			outcome, retryAfter := checkForwardCompatibility(forwardCompatStageGets, jsonForwardCompatToForwardCompat(res.txnMeta.ForwardCompat))
			switch outcome {
			case forwardCompatOutcomeFail:
				cb(nil, createOperationFailedError(operationFailedDef{
					Cerr:   classifyError(ErrForwardCompatibilityFailure),
					Reason: ErrorReasonTransactionFailed,
				}))
				return
			case forwardCompatOutcomeRetry:
				time.Sleep(retryAfter)
				ac.getFullDoc(agent, oboUser, scopeName, collectionName, key, cb)
				return
			}

			if res.txnMeta.Operation.Type == "remove" {
				cb(nil, createOperationFailedError(operationFailedDef{
					Cerr:   classifyError(gocbcore.ErrDocumentNotFound),
					Reason: ErrorReasonTransactionFailed,
				}))
				return
			}

			// A foreign staged body takes priority over the document's
			// committed body: read committed semantics sees the last
			// value this document would have if the other attempt
			// rolls back.
			if len(res.txnMeta.Operation.Staged) > 0 {
				res.Value = res.txnMeta.Operation.Staged
			}
		}

		cb(res, nil)
	})
	if err != nil {
		ce := classifyError(err)
		cb(nil, createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionFailed}))
	}
}

// --- Insert / Replace / Remove ------------------------------------------

// checkAndHandleBlockingTransaction is the write-write-conflict guard
// of §4.7 step 2, shared by Insert's exists-retry path and by Replace
// and Remove: before staging a write over a document that carries a
// foreign attempt's txn xattr, it waits on that attempt's own ATR
// entry until the foreign attempt is observed COMPLETED, ROLLED_BACK,
// or expired, backing off with a bounded exp_delay(50ms,500ms,1s)
// pacer between polls. Exhausting the pacer's budget fails the whole
// attempt with FAIL_WRITE_WRITE_CONFLICT. A nil meta, or one written
// by this same attempt (an own write), proceeds immediately.
func (ac *AttemptContext) checkAndHandleBlockingTransaction(agent *gocbcore.Agent, stage forwardCompatStage, meta *jsonTxnXattr, cb func(error)) {
	if meta == nil || meta.ID.Attempt == ac.id {
		cb(nil)
		return
	}

	atrAgent := agent
	if meta.ATR.BucketName != "" {
		if a, _, err := ac.agentFor(meta.ATR.BucketName); err == nil {
			atrAgent = a
		}
	}

	pacer := newExpDelay(50*time.Millisecond, 500*time.Millisecond, 1*time.Second)

	var poll func()
	poll = func() {
		outcome, retryAfter := checkForwardCompatibility(stage, jsonForwardCompatToForwardCompat(meta.ForwardCompat))
		switch outcome {
		case forwardCompatOutcomeFail:
			cb(createOperationFailedError(operationFailedDef{
				Cerr:   classifyError(ErrForwardCompatibilityFailure),
				Reason: ErrorReasonTransactionFailed,
			}))
			return
		case forwardCompatOutcomeRetry:
			time.Sleep(retryAfter)
		}

		getAtrEntries(atrAgent, meta.ATR.ScopeName, meta.ATR.CollectionName, meta.ATR.DocID, ac.deadline(), func(attempts map[string]jsonAtrAttempt, nowMS int64, err error) {
			if err != nil {
				if classifyError(err).Class == ErrorClassFailDocNotFound {
					// The blocking attempt's ATR is already gone: it
					// resolved and was cleaned up.
					cb(nil)
					return
				}
				cb(createOperationFailedError(operationFailedDef{Cerr: classifyError(err), Reason: ErrorReasonTransactionFailed}))
				return
			}

			raw, ok := attempts[meta.ID.Attempt]
			if !ok {
				// The foreign entry is gone from the ATR: resolved.
				cb(nil)
				return
			}
			entry := newAtrEntry(meta.ID.Attempt, raw, atrAgent.BucketName())

			switch entry.State {
			case AttemptStateCompleted, AttemptStateRolledBack:
				cb(nil)
				return
			}
			if entry.hasExpired(nowMS, defaultCleanupSafetyMarginMS) {
				cb(nil)
				return
			}

			if werr := pacer.Wait(); werr != nil {
				cb(createOperationFailedError(operationFailedDef{
					Cerr:   classifyError(ErrWriteWriteConflict),
					Reason: ErrorReasonTransactionFailed,
				}))
				return
			}
			poll()
		})
	}
	poll()
}

// getDocAllowDeleted fetches a document's txn xattr and body whether
// it is a live document or a tombstone. It backs the staged-insert
// exists-retry path of §4.7 step 4, where a document that exists only
// as a deleted document is not "not found" there; ordinary Get must
// not use this, since a plain reader has no business seeing tombstones.
func (ac *AttemptContext) getDocAllowDeleted(agent *gocbcore.Agent, oboUser, scopeName, collectionName string, key []byte, cb func(*GetResult, error)) {
	_, err := agent.LookupIn(gocbcore.LookupInOptions{
		Key: key,
		Ops: []gocbcore.SubDocOp{
			{Op: memd.SubDocOpGet, Path: "txn", Flags: memd.SubdocFlagXattrPath},
			{Op: memd.SubDocOpGetDoc, Path: "", Flags: memd.SubdocFlagNone},
		},
		Flags:          memd.SubdocDocFlagAccessDeleted,
		Deadline:       ac.deadline(),
		ScopeName:      scopeName,
		CollectionName: collectionName,
	}, func(result *gocbcore.LookupInResult, err error) {
		if err != nil {
			cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(err), Reason: ErrorReasonTransactionFailed}))
			return
		}

		res := &GetResult{agent: agent, oboUser: oboUser, scopeName: scopeName, collectionName: collectionName, key: key, Cas: result.Cas}
		if result.Ops[1].Err == nil {
			res.Value = result.Ops[1].Value
		}
		if result.Ops[0].Err == nil {
			var meta jsonTxnXattr
			if jerr := json.Unmarshal(result.Ops[0].Value, &meta); jerr == nil {
				res.txnMeta = &meta
			}
		}
		cb(res, nil)
	})
	if err != nil {
		cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(err), Reason: ErrorReasonTransactionFailed}))
	}
}

// Insert stages a new document. A live document that already exists
// fails with a document-already-exists classification; a plain
// tombstone, or a staged insert left by another attempt, is retried
// by handleStagedInsertError.
func (ac *AttemptContext) Insert(agent *gocbcore.Agent, oboUser, scopeName, collectionName string, key []byte, value []byte, cb func(*GetResult, error)) {
	span := ac.startOpSpan("insert", string(key))
	cb = func(orig func(*GetResult, error)) func(*GetResult, error) {
		return func(res *GetResult, err error) {
			span.Finish()
			orig(res, err)
		}
	}(cb)

	if ac.checkExpired() {
		cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(ErrAttemptExpired), Reason: ErrorReasonTransactionExpired}))
		return
	}

	ac.chooseAtrLocation(agent, scopeName, collectionName, key)

	pacer := newExpDelay(50*time.Millisecond, 500*time.Millisecond, 1*time.Second)
	ac.createStagedInsert(agent, oboUser, scopeName, collectionName, key, value, 0, pacer, cb)
}

// createStagedInsert writes the txn xattrs onto a tombstone or an
// absent document, per §4.7 step 4 and Invariant (iii): the write
// carries access_deleted/create_as_deleted flags so the inserted
// document exists server-side as a deleted document with a staged
// body in its xattrs, not a live document, until commit. cas is 0 for
// a fresh insert and the observed CAS of an existing plain tombstone
// or foreign staged insert on a retry, which also picks store
// semantics: a fresh insert must fail if the document exists at all,
// while a retry against a known tombstone only needs the CAS to hold.
func (ac *AttemptContext) createStagedInsert(agent *gocbcore.Agent, oboUser, scopeName, collectionName string, key, value []byte, cas gocbcore.Cas, pacer *expDelay, cb func(*GetResult, error)) {
	if ac.checkExpired() {
		cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(ErrAttemptExpired), Reason: ErrorReasonTransactionExpired}))
		return
	}

	ac.hooks.BeforeStagedInsert(string(key), func(err error) {
		if err != nil {
			cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyHookError(err), Reason: ErrorReasonTransactionFailed}))
			return
		}

		stagedXattr := ac.buildTxnXattr("insert", value)
		raw, _ := json.Marshal(stagedXattr)

		flags := memd.SubdocDocFlagAccessDeleted | memd.SubdocDocFlagCreateAsDeleted
		if cas == 0 {
			flags |= memd.SubdocDocFlagAddDoc
		} else {
			flags |= memd.SubdocDocFlagMkDoc
		}

		_, err = agent.MutateIn(gocbcore.MutateInOptions{
			Key: key,
			Ops: []gocbcore.SubDocOp{
				{Op: memd.SubDocOpDictAdd, Path: "txn", Value: raw, Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagMkDirP},
			},
			Cas:             cas,
			Flags:           flags,
			ScopeName:       scopeName,
			CollectionName:  collectionName,
			DurabilityLevel: ac.durability(),
			Deadline:        ac.deadline(),
		}, func(result *gocbcore.MutateInResult, err error) {
			if err != nil {
				ac.handleStagedInsertError(agent, oboUser, scopeName, collectionName, key, value, pacer, classifyError(err), cb)
				return
			}

			sm := &StagedMutation{
				OpType:         StagedMutationInsert,
				Agent:          agent,
				OboUser:        oboUser,
				ScopeName:      scopeName,
				CollectionName: collectionName,
				Key:            key,
				Cas:            result.Cas,
				Staged:         value,
			}
			if addErr := ac.staged.Add(sm); addErr != nil {
				cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(addErr), Reason: ErrorReasonTransactionFailed}))
				return
			}

			ac.hooks.AfterDocStagedInsert(string(key), func(error) {})

			cb(&GetResult{agent: agent, scopeName: scopeName, collectionName: collectionName, key: key, Cas: result.Cas, Value: value}, nil)
		})
	})
}

// handleStagedInsertError implements §4.7 step 4's tombstone/foreign-
// staged-insert special case (SPEC_FULL's "Supplemented feature 5"): a
// plain FAIL_DOC_ALREADY_EXISTS or FAIL_CAS_MISMATCH is not necessarily
// a real conflict, since the racing write may be a tombstone left by a
// resolved attempt, or another attempt's still-open staged insert that
// the blocking-transaction check above can wait out. The retry loop is
// bounded by pacer's own budget rather than a separate attempt count.
func (ac *AttemptContext) handleStagedInsertError(agent *gocbcore.Agent, oboUser, scopeName, collectionName string, key, value []byte, pacer *expDelay, ce *classifiedError, cb func(*GetResult, error)) {
	switch ce.Class {
	case ErrorClassFailDocAlreadyExists, ErrorClassFailCasMismatch:
		ac.getDocAllowDeleted(agent, oboUser, scopeName, collectionName, key, func(doc *GetResult, err error) {
			if err != nil {
				cb(nil, err)
				return
			}

			retry := func(cas gocbcore.Cas) {
				if werr := pacer.Wait(); werr != nil {
					cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(ErrWriteWriteConflict), Reason: ErrorReasonTransactionFailed}))
					return
				}
				ac.createStagedInsert(agent, oboUser, scopeName, collectionName, key, value, cas, pacer, cb)
			}

			if doc.txnMeta == nil {
				if len(doc.Value) == 0 {
					// A plain, non-transactional tombstone: safe to
					// retry the insert against its CAS.
					retry(doc.Cas)
					return
				}
				cb(nil, createOperationFailedError(operationFailedDef{
					Cerr:   classifyError(ErrDocumentAlreadyExists),
					Reason: ErrorReasonTransactionFailed,
				}))
				return
			}

			if doc.txnMeta.Operation.Type != "insert" {
				// CBD-3787: only a staged insert is safe to overwrite.
				cb(nil, createOperationFailedError(operationFailedDef{
					Cerr:   classifyError(ErrDocumentAlreadyExists),
					Reason: ErrorReasonTransactionFailed,
				}))
				return
			}

			ac.checkAndHandleBlockingTransaction(agent, forwardCompatStageWWCInserting, doc.txnMeta, func(err error) {
				if err != nil {
					cb(nil, err)
					return
				}
				retry(doc.Cas)
			})
		})
	default:
		cb(nil, createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionFailed}))
	}
}

// Replace stages a new body for an already-fetched document, bound to
// the CAS that Get observed.
func (ac *AttemptContext) Replace(doc *GetResult, value []byte, cb func(*GetResult, error)) {
	span := ac.startOpSpan("replace", string(doc.key))
	cb = func(orig func(*GetResult, error)) func(*GetResult, error) {
		return func(res *GetResult, err error) {
			span.Finish()
			orig(res, err)
		}
	}(cb)

	if ac.checkExpired() {
		cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(ErrAttemptExpired), Reason: ErrorReasonTransactionExpired}))
		return
	}

	ac.chooseAtrLocation(doc.agent, doc.scopeName, doc.collectionName, doc.key)

	ac.checkAndHandleBlockingTransaction(doc.agent, forwardCompatStageWWCReplacing, doc.txnMeta, func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}

		ac.hooks.BeforeStagedReplace(string(doc.key), func(err error) {
			if err != nil {
				cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyHookError(err), Reason: ErrorReasonTransactionFailed}))
				return
			}

			stagedXattr := ac.buildTxnXattr("replace", value)
			raw, _ := json.Marshal(stagedXattr)

			_, err = doc.agent.MutateIn(gocbcore.MutateInOptions{
				Key: doc.key,
				Ops: []gocbcore.SubDocOp{
					{Op: memd.SubDocOpDictSet, Path: "txn", Value: raw, Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagMkDirP},
				},
				Cas:             doc.Cas,
				ScopeName:       doc.scopeName,
				CollectionName:  doc.collectionName,
				DurabilityLevel: ac.durability(),
				Deadline:        ac.deadline(),
			}, func(result *gocbcore.MutateInResult, err error) {
				if err != nil {
					cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(err), Reason: ErrorReasonTransactionFailed}))
					return
				}

				sm := &StagedMutation{
					OpType:         StagedMutationReplace,
					Agent:          doc.agent,
					OboUser:        doc.oboUser,
					ScopeName:      doc.scopeName,
					CollectionName: doc.collectionName,
					Key:            doc.key,
					Cas:            result.Cas,
					Staged:         value,
				}
				if addErr := ac.staged.Add(sm); addErr != nil {
					cb(nil, createOperationFailedError(operationFailedDef{Cerr: classifyError(addErr), Reason: ErrorReasonTransactionFailed}))
					return
				}

				ac.hooks.AfterDocStagedReplace(string(doc.key), func(error) {})

				cb(&GetResult{agent: doc.agent, scopeName: doc.scopeName, collectionName: doc.collectionName, key: doc.key, Cas: result.Cas, Value: value}, nil)
			})
		})
	})
}

// Remove stages a removal of an already-fetched document.
func (ac *AttemptContext) Remove(doc *GetResult, cb func(error)) {
	span := ac.startOpSpan("remove", string(doc.key))
	cb = func(orig func(error)) func(error) {
		return func(err error) {
			span.Finish()
			orig(err)
		}
	}(cb)

	if ac.checkExpired() {
		cb(createOperationFailedError(operationFailedDef{Cerr: classifyError(ErrAttemptExpired), Reason: ErrorReasonTransactionExpired}))
		return
	}

	ac.chooseAtrLocation(doc.agent, doc.scopeName, doc.collectionName, doc.key)

	ac.checkAndHandleBlockingTransaction(doc.agent, forwardCompatStageWWCRemoving, doc.txnMeta, func(err error) {
		if err != nil {
			cb(err)
			return
		}

		ac.hooks.BeforeStagedRemove(string(doc.key), func(err error) {
			if err != nil {
				cb(createOperationFailedError(operationFailedDef{Cerr: classifyHookError(err), Reason: ErrorReasonTransactionFailed}))
				return
			}

			stagedXattr := ac.buildTxnXattr("remove", nil)
			raw, _ := json.Marshal(stagedXattr)

			_, err = doc.agent.MutateIn(gocbcore.MutateInOptions{
				Key: doc.key,
				Ops: []gocbcore.SubDocOp{
					{Op: memd.SubDocOpDictSet, Path: "txn", Value: raw, Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagMkDirP},
				},
				Cas:             doc.Cas,
				ScopeName:       doc.scopeName,
				CollectionName:  doc.collectionName,
				DurabilityLevel: ac.durability(),
				Deadline:        ac.deadline(),
			}, func(result *gocbcore.MutateInResult, err error) {
				if err != nil {
					cb(createOperationFailedError(operationFailedDef{Cerr: classifyError(err), Reason: ErrorReasonTransactionFailed}))
					return
				}

				sm := &StagedMutation{
					OpType:         StagedMutationRemove,
					Agent:          doc.agent,
					OboUser:        doc.oboUser,
					ScopeName:      doc.scopeName,
					CollectionName: doc.collectionName,
					Key:            doc.key,
					Cas:            result.Cas,
				}
				if addErr := ac.staged.Add(sm); addErr != nil {
					cb(createOperationFailedError(operationFailedDef{Cerr: classifyError(addErr), Reason: ErrorReasonTransactionFailed}))
					return
				}

				ac.hooks.AfterDocStagedRemove(string(doc.key), func(error) {})
				cb(nil)
			})
		})
	})
}

func (ac *AttemptContext) buildTxnXattr(opType string, staged []byte) jsonTxnXattr {
	loc, _ := ac.txn.getAtrLocation()
	var stagedRaw json.RawMessage
	if staged != nil {
		stagedRaw = json.RawMessage(staged)
	}
	return jsonTxnXattr{
		ID: jsonTxnXattrID{
			Transaction: ac.txn.id,
			Attempt:     ac.id,
		},
		ATR: jsonTxnXattrATR{
			DocID:          loc.ATRID,
			BucketName:     loc.BucketName,
			ScopeName:      loc.ScopeName,
			CollectionName: loc.CollectionName,
		},
		Operation: jsonTxnXattrOp{
			Type:   opType,
			Staged: stagedRaw,
		},
	}
}

// --- Commit / Rollback ---------------------------------------------------

// Commit drives the attempt through ATR-COMMIT, replays every staged
// mutation, then ATR-COMPLETE, per §4.7/§4.5. Once any document has
// been committed, the attempt may no longer be rolled back; failures
// past that point raise TransactionFailedPostCommit instead of
// retrying.
func (ac *AttemptContext) Commit(cb func(error)) {
	cb = func(orig func(error)) func(error) {
		return func(err error) {
			ac.span.Finish()
			orig(err)
		}
	}(cb)

	if ac.staged.Empty() {
		ac.setState(AttemptStateCompleted)
		cb(nil)
		return
	}

	if ac.checkExpired() {
		ac.enterExpiryOvertimeMode()
	}

	ac.setAtrPending(func(err error) {
		if err != nil {
			cb(err)
			return
		}

		ac.hooks.BeforeATRCommit(func(err error) {
			if err != nil {
				cb(createOperationFailedError(operationFailedDef{Cerr: classifyHookError(err), Reason: ErrorReasonTransactionFailed}))
				return
			}

			ac.setAtrState(jsonAtrStateCommitted, func(err error) {
				if err != nil {
					cb(err)
					return
				}

				ac.hooks.AfterATRCommit(func(error) {})
				ac.setState(AttemptStateCommitted)

				ac.staged.Commit(unstageOptions{
					DurabilityLevel:  ac.durability(),
					OperationTimeout: ac.kvTimeout(),
					EnableParallel:   ac.config.EnableParallelUnstaging,
				}, func(failed []*StagedMutation, _ error) {
					if len(failed) > 0 {
						// Individual unstage failures are retried by
						// cleanup once this attempt's ATR entry is
						// examined; Commit itself still reports success
						// since the commit point has passed.
						logWarnf("commit: %d staged mutation(s) left for cleanup", len(failed))
					}

					ac.setAtrState(jsonAtrStateCompleted, func(err error) {
						if err != nil {
							// The commit point is already past; a failure
							// to mark ATR-COMPLETE doesn't undo the
							// committed documents.
							cb(createOperationFailedError(operationFailedDef{
								Cerr:           classifyError(err),
								ShouldNotRetry: true,
								Reason:         ErrorReasonTransactionFailedPostCommit,
							}))
							return
						}
						ac.setState(AttemptStateCompleted)
						cb(nil)
					})
				})
			})
		})
	})
}

// Rollback undoes every staged mutation and marks the attempt
// ROLLED_BACK. It is a no-op if nothing was ever staged.
func (ac *AttemptContext) Rollback(cb func(error)) {
	cb = func(orig func(error)) func(error) {
		return func(err error) {
			ac.span.Finish()
			orig(err)
		}
	}(cb)

	if ac.staged.Empty() {
		ac.setState(AttemptStateRolledBack)
		cb(nil)
		return
	}

	if ac.getState() == AttemptStateNothingWritten {
		// No ATR entry exists yet: undo the staged documents directly.
		ac.staged.Rollback(unstageOptions{
			DurabilityLevel:  ac.durability(),
			OperationTimeout: ac.kvTimeout(),
			EnableParallel:   ac.config.EnableParallelUnstaging,
		}, func(failed []*StagedMutation, _ error) {
			if len(failed) > 0 {
				logWarnf("rollback: %d staged mutation(s) left for cleanup", len(failed))
			}
			ac.setState(AttemptStateRolledBack)
			cb(nil)
		})
		return
	}

	ac.setAtrState(jsonAtrStateAborted, func(err error) {
		if err != nil {
			cb(err)
			return
		}
		ac.setState(AttemptStateAborted)

		ac.staged.Rollback(unstageOptions{
			DurabilityLevel:  ac.durability(),
			OperationTimeout: ac.kvTimeout(),
			EnableParallel:   ac.config.EnableParallelUnstaging,
		}, func(failed []*StagedMutation, _ error) {
			if len(failed) > 0 {
				logWarnf("rollback: %d staged mutation(s) left for cleanup", len(failed))
			}

			ac.setAtrState(jsonAtrStateRolledBack, func(err error) {
				if err != nil {
					cb(err)
					return
				}
				ac.setState(AttemptStateRolledBack)
				cb(nil)
			})
		})
	})
}

// setAtrPending writes the ATR-PENDING entry the first time this
// attempt commits, creating the ATR document itself if it doesn't
// exist yet. Concurrent attempts sharing the same ATR each write their
// own attempts.<id> path, and the server applies each sub-document
// mutation atomically; no CAS and no client-side lock is involved.
func (ac *AttemptContext) setAtrPending(cb func(error)) {
	if ac.atrAgent == nil {
		cb(nil)
		return
	}

	ac.hooks.BeforeATRPending(func(err error) {
		if err != nil {
			ac.handleAtrPendingError(classifyHookError(err), cb)
			return
		}
		ac.writeAtrPending(cb)
	})
}

func (ac *AttemptContext) writeAtrPending(cb func(error)) {
	entry := jsonAtrAttempt{
		TransactionID:   ac.txn.id,
		ExpiryTime:      uint(ac.txn.expiryTime / time.Millisecond),
		State:           string(jsonAtrStatePending),
		DurabilityLevel: ac.config.DurabilityLevel.shorthand(),
	}
	raw, _ := json.Marshal(entry)

	_, err := ac.atrAgent.MutateIn(gocbcore.MutateInOptions{
		Key: []byte(ac.atrID),
		Ops: []gocbcore.SubDocOp{
			{Op: memd.SubDocOpDictAdd, Path: "attempts." + ac.id, Value: raw, Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagMkDirP},
			{Op: memd.SubDocOpDictSet, Path: "attempts." + ac.id + ".tst", Value: []byte(`"${Mutation.CAS}"`), Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagExpandMacros},
		},
		Flags:           memd.SubdocDocFlagMkDoc,
		DurabilityLevel: ac.durability(),
		ScopeName:       ac.atrScopeName,
		CollectionName:  ac.atrCollectionName,
		Deadline:        ac.deadline(),
	}, func(_ *gocbcore.MutateInResult, err error) {
		if err != nil {
			ac.handleAtrPendingError(classifyError(err), cb)
			return
		}
		ac.setState(AttemptStatePending)
		ac.hooks.AfterATRPending(func(error) {})
		cb(nil)
	})
	if err != nil {
		ac.handleAtrPendingError(classifyError(err), cb)
	}
}

// handleAtrPendingError implements §4.7 step 3's per-class ATR-PENDING
// outcomes, an explicit Testable Property: FAIL_PATH_ALREADY_EXISTS is
// idempotent success, since the entry already exists (assume a prior
// attempt at this same write landed and the client just never learned
// it succeeded); FAIL_AMBIGUOUS retries the write itself rather than
// failing the whole attempt.
func (ac *AttemptContext) handleAtrPendingError(ce *classifiedError, cb func(error)) {
	switch ce.Class {
	case ErrorClassFailPathAlreadyExists:
		cb(nil)
	case ErrorClassFailAmbiguous:
		ac.writeAtrPending(cb)
	case ErrorClassFailExpiry:
		ac.enterExpiryOvertimeMode()
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionExpired}))
	case ErrorClassFailHard:
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, ShouldNotRollback: true, Reason: ErrorReasonTransactionFailed}))
	default:
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionFailed}))
	}
}

// setAtrState transitions the attempt's ATR entry to a new named
// state, carrying the commit/abort document-record arrays the next
// phase (or a later cleanup pass) needs. Each transition's errors are
// routed through handleAtrStateError, since ATR-COMMIT, ATR-COMPLETE,
// ATR-ABORT and ATR-ROLLBACK-COMPLETE each tolerate and retry a
// different set of failures per §4.7 step 5.
func (ac *AttemptContext) setAtrState(state jsonAtrState, cb func(error)) {
	if ac.atrAgent == nil {
		cb(nil)
		return
	}

	_, err := ac.atrAgent.MutateIn(gocbcore.MutateInOptions{
		Key:             []byte(ac.atrID),
		Ops:             ac.atrStateOps(state),
		DurabilityLevel: ac.durability(),
		ScopeName:       ac.atrScopeName,
		CollectionName:  ac.atrCollectionName,
		Deadline:        ac.deadline(),
	}, func(_ *gocbcore.MutateInResult, err error) {
		if err != nil {
			ac.handleAtrStateError(state, classifyError(err), cb)
			return
		}
		cb(nil)
	})
	if err != nil {
		ac.handleAtrStateError(state, classifyError(err), cb)
	}
}

func (ac *AttemptContext) atrStateOps(state jsonAtrState) []gocbcore.SubDocOp {
	inserts, replaces, removes := ac.staged.ToDocRecords()
	ops := []gocbcore.SubDocOp{
		{Op: memd.SubDocOpDictSet, Path: "attempts." + ac.id + ".st", Value: []byte(`"` + string(state) + `"`), Flags: memd.SubdocFlagXattrPath},
	}

	switch state {
	case jsonAtrStateCommitted:
		ops = append(ops,
			gocbcore.SubDocOp{Op: memd.SubDocOpDictSet, Path: "attempts." + ac.id + ".tsc", Value: []byte(`"${Mutation.CAS}"`), Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagExpandMacros},
			mutationsOp("attempts."+ac.id+".ins", inserts),
			mutationsOp("attempts."+ac.id+".rep", replaces),
			mutationsOp("attempts."+ac.id+".rem", removes),
		)
	case jsonAtrStateCompleted:
		ops = append(ops, gocbcore.SubDocOp{Op: memd.SubDocOpDictSet, Path: "attempts." + ac.id + ".tsco", Value: []byte(`"${Mutation.CAS}"`), Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagExpandMacros})
	case jsonAtrStateAborted:
		ops = append(ops,
			gocbcore.SubDocOp{Op: memd.SubDocOpDictSet, Path: "attempts." + ac.id + ".tsrs", Value: []byte(`"${Mutation.CAS}"`), Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagExpandMacros},
			mutationsOp("attempts."+ac.id+".ins", inserts),
			mutationsOp("attempts."+ac.id+".rep", replaces),
			mutationsOp("attempts."+ac.id+".rem", removes),
		)
	case jsonAtrStateRolledBack:
		ops = append(ops, gocbcore.SubDocOp{Op: memd.SubDocOpDictSet, Path: "attempts." + ac.id + ".tsrc", Value: []byte(`"${Mutation.CAS}"`), Flags: memd.SubdocFlagXattrPath | memd.SubdocFlagExpandMacros})
	}
	return ops
}

func (ac *AttemptContext) isInExpiryOvertimeMode() bool {
	ac.lock.Lock()
	defer ac.lock.Unlock()
	return ac.expiryOvertimeMode
}

// handleAtrStateError dispatches a failed ATR-state write to the
// per-transition handler named by state, per §4.7 step 5.
func (ac *AttemptContext) handleAtrStateError(state jsonAtrState, ce *classifiedError, cb func(error)) {
	switch state {
	case jsonAtrStateCommitted:
		ac.handleAtrCommitError(ce, cb)
	case jsonAtrStateCompleted:
		ac.handleAtrCompleteError(ce, cb)
	case jsonAtrStateAborted:
		ac.handleAtrAbortError(ce, cb)
	case jsonAtrStateRolledBack:
		ac.handleAtrRollbackCompleteError(ce, cb)
	default:
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionFailed}))
	}
}

// handleAtrCommitError implements ATR-COMMIT's error handling: a
// FAIL_AMBIGUOUS write does not simply fail the attempt, since the
// mutation may have actually landed server-side despite the ambiguous
// response; resolveCommitAmbiguity re-reads the ATR's own status to
// find out, per Testable Scenario D.
func (ac *AttemptContext) handleAtrCommitError(ce *classifiedError, cb func(error)) {
	switch ce.Class {
	case ErrorClassFailExpiry:
		ac.enterExpiryOvertimeMode()
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionExpired}))
	case ErrorClassFailAmbiguous:
		ac.resolveCommitAmbiguity(cb)
	case ErrorClassFailHard:
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, ShouldNotRollback: true, Reason: ErrorReasonTransactionFailed}))
	default:
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionFailed}))
	}
}

// resolveCommitAmbiguity re-reads this attempt's own ATR entry after a
// FAIL_AMBIGUOUS ATR-COMMIT write: COMMITTED (or COMPLETED) means the
// write landed and commit can proceed as normal; ABORTED/ROLLED_BACK
// means some other process (most likely cleanup, believing this
// attempt expired) resolved it first; anything else means the write
// never landed, and ATR-COMMIT can safely be retried.
func (ac *AttemptContext) resolveCommitAmbiguity(cb func(error)) {
	getAtrEntry(ac.atrAgent, ac.atrScopeName, ac.atrCollectionName, ac.atrID, ac.id, ac.deadline(), func(entry *atrEntry, err error) {
		if err != nil {
			ce := classifyError(err)
			switch ce.Class {
			case ErrorClassFailHard:
				cb(createOperationFailedError(operationFailedDef{Cerr: ce, ShouldNotRollback: true, Reason: ErrorReasonTransactionFailed}))
			case ErrorClassFailPathNotFound, ErrorClassFailDocNotFound:
				cb(createOperationFailedError(operationFailedDef{
					Cerr:              classifyError(ErrTransactionAbortedExternally),
					ShouldNotRollback: true,
					Reason:            ErrorReasonTransactionFailed,
				}))
			default:
				cb(createOperationFailedError(operationFailedDef{Cerr: ce, Reason: ErrorReasonTransactionCommitAmbiguous}))
			}
			return
		}

		switch entry.State {
		case AttemptStateCommitted, AttemptStateCompleted:
			cb(nil)
		case AttemptStateAborted, AttemptStateRolledBack:
			cb(createOperationFailedError(operationFailedDef{
				Cerr:              classifyError(ErrTransactionAbortedExternally),
				ShouldNotRollback: true,
				Reason:            ErrorReasonTransactionCommitAmbiguous,
			}))
		default:
			// Still PENDING: the write never landed and is safe to retry.
			ac.setAtrState(jsonAtrStateCommitted, cb)
		}
	})
}

// handleAtrCompleteError implements ATR-COMPLETE's tolerant semantics:
// the commit point has already passed, so only FAIL_HARD is a real
// failure; every other error is logged and left for a later cleanup
// pass to notice the stale ATR entry.
func (ac *AttemptContext) handleAtrCompleteError(ce *classifiedError, cb func(error)) {
	if ce.Class == ErrorClassFailHard {
		cb(createOperationFailedError(operationFailedDef{
			Cerr:              ce,
			ShouldNotRollback: true,
			Reason:            ErrorReasonTransactionFailedPostCommit,
		}))
		return
	}
	logWarnf("ignoring error in ATR-COMPLETE: %v", ce)
	cb(nil)
}

// handleAtrAbortError implements ATR-ABORT's retry-almost-everything
// semantics: an aborting attempt has nothing left to lose, so all but
// a handful of error classes just retry the whole write; those few end
// the attempt with a specific no-rollback cause instead.
func (ac *AttemptContext) handleAtrAbortError(ce *classifiedError, cb func(error)) {
	if ac.isInExpiryOvertimeMode() {
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, ShouldNotRollback: true, Reason: ErrorReasonTransactionExpired}))
		return
	}

	switch ce.Class {
	case ErrorClassFailExpiry:
		ac.enterExpiryOvertimeMode()
		ac.setAtrState(jsonAtrStateAborted, cb)
	case ErrorClassFailPathNotFound, ErrorClassFailDocNotFound, ErrorClassFailATRFull, ErrorClassFailHard:
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, ShouldNotRollback: true, Reason: ErrorReasonTransactionFailed}))
	default:
		ac.setAtrState(jsonAtrStateAborted, cb)
	}
}

// handleAtrRollbackCompleteError implements ATR-ROLLBACK-COMPLETE's
// "treat as done" semantics: FAIL_DOC_NOT_FOUND/FAIL_PATH_NOT_FOUND
// means the ATR document is simply already gone, which is exactly the
// end state this transition was trying to reach.
func (ac *AttemptContext) handleAtrRollbackCompleteError(ce *classifiedError, cb func(error)) {
	if ac.isInExpiryOvertimeMode() {
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, ShouldNotRollback: true, Reason: ErrorReasonTransactionExpired}))
		return
	}

	switch ce.Class {
	case ErrorClassFailDocNotFound, ErrorClassFailPathNotFound:
		cb(nil)
	case ErrorClassFailHard:
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, ShouldNotRollback: true, Reason: ErrorReasonTransactionFailed}))
	case ErrorClassFailExpiry:
		cb(createOperationFailedError(operationFailedDef{Cerr: ce, ShouldNotRollback: true, Reason: ErrorReasonTransactionExpired}))
	default:
		ac.setAtrState(jsonAtrStateRolledBack, cb)
	}
}

func mutationsOp(path string, recs []DocRecord) gocbcore.SubDocOp {
	jrecs := make([]jsonAtrMutation, len(recs))
	for i, r := range recs {
		jrecs[i] = r.toJSON()
	}
	raw, _ := json.Marshal(jrecs)
	return gocbcore.SubDocOp{Op: memd.SubDocOpDictSet, Path: path, Value: raw, Flags: memd.SubdocFlagXattrPath}
}
