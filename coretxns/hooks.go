package coretxns

// TransactionHooks lets tests observe and interfere with an attempt at
// each of its named internal decision points, per §7. Every hook is
// invoked synchronously from the attempt's goroutine; when no hooks
// are supplied, DefaultHooks is used, whose methods are all no-ops.
type TransactionHooks interface {
	BeforeATRCommit(cb func(error))
	AfterATRCommit(cb func(error))
	BeforeDocCommitted(docID string, cb func(error))
	BeforeRemovingDocDuringStagedInsert(docID string, cb func(error))
	BeforeRollbackDeleteInserted(docID string, cb func(error))
	AfterDocCommittedBeforeSavingCAS(docID string, cb func(error))
	AfterDocRemovedPreRetry(docID string, cb func(error))
	AfterDocRemovedPostRetry(docID string, cb func(error))
	BeforeStagedInsert(docID string, cb func(error))
	BeforeStagedRemove(docID string, cb func(error))
	BeforeStagedReplace(docID string, cb func(error))
	BeforeDocRemoved(docID string, cb func(error))
	BeforeDocRolledBack(docID string, cb func(error))
	AfterDocStagedInsert(docID string, cb func(error))
	AfterDocStagedRemove(docID string, cb func(error))
	AfterDocStagedReplace(docID string, cb func(error))
	BeforeATRPending(cb func(error))
	AfterATRPending(cb func(error))
	BeforeATRComplete(cb func(error))
	AfterATRComplete(cb func(error))
	BeforeATRRolledBack(cb func(error))
	AfterATRRolledBack(cb func(error))
	BeforeATRAborted(cb func(error))
	AfterATRAborted(cb func(error))
	BeforeGetATRForAbort(cb func(error))
	HasExpiredClientSideOnly(stage string, docID string) bool
	RandomATRIDForVbucket(cb func(string, error))
}

// CleanUpHooks lets tests observe and interfere with a single own- or
// lost-attempt cleanup pass.
type CleanUpHooks interface {
	BeforeCommitDoc(docID string, cb func(error))
	BeforeDocGet(docID string, cb func(error))
	BeforeRemoveDoc(docID string, cb func(error))
	BeforeRemoveLinks(docID string, cb func(error))
	BeforeATRRemove(cb func(error))
}

// ClientRecordHooks lets tests observe and interfere with the
// client-record coordination cycle.
type ClientRecordHooks interface {
	BeforeCreateRecord(cb func(error))
	BeforeRemoveClient(cb func(error))
	BeforeUpdateCAS(cb func(error))
	BeforeGetRecord(cb func(error))
	BeforeUpdateRecord(cb func(error))
}

// DefaultHooks is the no-op TransactionHooks every production attempt
// runs with.
type DefaultHooks struct{}

func (DefaultHooks) BeforeATRCommit(cb func(error))                         { cb(nil) }
func (DefaultHooks) AfterATRCommit(cb func(error))                          { cb(nil) }
func (DefaultHooks) BeforeDocCommitted(_ string, cb func(error))            { cb(nil) }
func (DefaultHooks) BeforeRemovingDocDuringStagedInsert(_ string, cb func(error)) { cb(nil) }
func (DefaultHooks) BeforeRollbackDeleteInserted(_ string, cb func(error))  { cb(nil) }
func (DefaultHooks) AfterDocCommittedBeforeSavingCAS(_ string, cb func(error)) { cb(nil) }
func (DefaultHooks) AfterDocRemovedPreRetry(_ string, cb func(error))       { cb(nil) }
func (DefaultHooks) AfterDocRemovedPostRetry(_ string, cb func(error))      { cb(nil) }
func (DefaultHooks) BeforeStagedInsert(_ string, cb func(error))           { cb(nil) }
func (DefaultHooks) BeforeStagedRemove(_ string, cb func(error))           { cb(nil) }
func (DefaultHooks) BeforeStagedReplace(_ string, cb func(error))          { cb(nil) }
func (DefaultHooks) BeforeDocRemoved(_ string, cb func(error))             { cb(nil) }
func (DefaultHooks) BeforeDocRolledBack(_ string, cb func(error))          { cb(nil) }
func (DefaultHooks) AfterDocStagedInsert(_ string, cb func(error))         { cb(nil) }
func (DefaultHooks) AfterDocStagedRemove(_ string, cb func(error))         { cb(nil) }
func (DefaultHooks) AfterDocStagedReplace(_ string, cb func(error))        { cb(nil) }
func (DefaultHooks) BeforeATRPending(cb func(error))                       { cb(nil) }
func (DefaultHooks) AfterATRPending(cb func(error))                        { cb(nil) }
func (DefaultHooks) BeforeATRComplete(cb func(error))                      { cb(nil) }
func (DefaultHooks) AfterATRComplete(cb func(error))                       { cb(nil) }
func (DefaultHooks) BeforeATRRolledBack(cb func(error))                    { cb(nil) }
func (DefaultHooks) AfterATRRolledBack(cb func(error))                     { cb(nil) }
func (DefaultHooks) BeforeATRAborted(cb func(error))                       { cb(nil) }
func (DefaultHooks) AfterATRAborted(cb func(error))                        { cb(nil) }
func (DefaultHooks) BeforeGetATRForAbort(cb func(error))                   { cb(nil) }
func (DefaultHooks) HasExpiredClientSideOnly(_ string, _ string) bool      { return false }
func (DefaultHooks) RandomATRIDForVbucket(cb func(string, error))          { cb("", nil) }

// DefaultCleanupHooks is the no-op CleanUpHooks production cleanup runs
// with.
type DefaultCleanupHooks struct{}

func (DefaultCleanupHooks) BeforeCommitDoc(_ string, cb func(error))   { cb(nil) }
func (DefaultCleanupHooks) BeforeDocGet(_ string, cb func(error))      { cb(nil) }
func (DefaultCleanupHooks) BeforeRemoveDoc(_ string, cb func(error))   { cb(nil) }
func (DefaultCleanupHooks) BeforeRemoveLinks(_ string, cb func(error)) { cb(nil) }
func (DefaultCleanupHooks) BeforeATRRemove(cb func(error))             { cb(nil) }

// DefaultClientRecordHooks is the no-op ClientRecordHooks production
// client-record coordination runs with.
type DefaultClientRecordHooks struct{}

func (DefaultClientRecordHooks) BeforeCreateRecord(cb func(error)) { cb(nil) }
func (DefaultClientRecordHooks) BeforeRemoveClient(cb func(error)) { cb(nil) }
func (DefaultClientRecordHooks) BeforeUpdateCAS(cb func(error))    { cb(nil) }
func (DefaultClientRecordHooks) BeforeGetRecord(cb func(error))    { cb(nil) }
func (DefaultClientRecordHooks) BeforeUpdateRecord(cb func(error)) { cb(nil) }
