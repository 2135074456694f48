// Copyright 2021 Couchbase
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transactions

import (
	coretxns "github.com/couchbaselabs/gocb-transactions/coretxns"
)

// TransactionHooks provides a number of internal hooks used for testing.
// Internal: This should never be used and is not supported.
type TransactionHooks interface {
	BeforeATRCommit(ctx AttemptContext) error
	AfterATRCommit(ctx AttemptContext) error
	BeforeDocCommitted(ctx AttemptContext, docID string) error
	BeforeRemovingDocDuringStagedInsert(ctx AttemptContext, docID string) error
	BeforeRollbackDeleteInserted(ctx AttemptContext, docID string) error
	AfterDocCommittedBeforeSavingCAS(ctx AttemptContext, docID string) error
	AfterDocRemovedPreRetry(ctx AttemptContext, docID string) error
	AfterDocRemovedPostRetry(ctx AttemptContext, docID string) error
	BeforeStagedInsert(ctx AttemptContext, docID string) error
	BeforeStagedRemove(ctx AttemptContext, docID string) error
	BeforeStagedReplace(ctx AttemptContext, docID string) error
	BeforeDocRemoved(ctx AttemptContext, docID string) error
	BeforeDocRolledBack(ctx AttemptContext, docID string) error
	AfterDocStagedInsert(ctx AttemptContext, docID string) error
	AfterDocStagedRemove(ctx AttemptContext, docID string) error
	AfterDocStagedReplace(ctx AttemptContext, docID string) error
	BeforeATRPending(ctx AttemptContext) error
	AfterATRPending(ctx AttemptContext) error
	BeforeATRComplete(ctx AttemptContext) error
	AfterATRComplete(ctx AttemptContext) error
	BeforeATRRolledBack(ctx AttemptContext) error
	AfterATRRolledBack(ctx AttemptContext) error
	BeforeATRAborted(ctx AttemptContext) error
	AfterATRAborted(ctx AttemptContext) error
	BeforeGetATRForAbort(ctx AttemptContext) error
	HasExpiredClientSideOnly(ctx AttemptContext, stage string, docID string) bool
	RandomATRIDForVbucket(ctx AttemptContext) (string, error)
}

// CleanupHooks provides a number of internal hooks used for testing.
// Internal: This should never be used and is not supported.
type CleanupHooks interface {
	BeforeCommitDoc(id string) error
	BeforeDocGet(id string) error
	BeforeRemoveDoc(id string) error
	BeforeRemoveLinks(id string) error
	BeforeATRRemove() error
}

// ClientRecordHooks provides a number of internal hooks used for testing.
// Internal: This should never be used and is not supported.
type ClientRecordHooks interface {
	BeforeCreateRecord() error
	BeforeRemoveClient() error
	BeforeUpdateCAS() error
	BeforeGetRecord() error
	BeforeUpdateRecord() error
}

// coreHooksWrapper adapts a user-supplied, synchronous TransactionHooks
// implementation to the async coretxns.TransactionHooks shape: every
// call is dispatched to its own goroutine so a slow or blocking test
// hook can't stall the attempt's own goroutine indefinitely.
type coreHooksWrapper struct {
	ctx   AttemptContext
	hooks TransactionHooks
}

func (w *coreHooksWrapper) BeforeATRCommit(cb func(error)) {
	go func() { cb(w.hooks.BeforeATRCommit(w.ctx)) }()
}

func (w *coreHooksWrapper) AfterATRCommit(cb func(error)) {
	go func() { cb(w.hooks.AfterATRCommit(w.ctx)) }()
}

func (w *coreHooksWrapper) BeforeDocCommitted(docID string, cb func(error)) {
	go func() { cb(w.hooks.BeforeDocCommitted(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) BeforeRemovingDocDuringStagedInsert(docID string, cb func(error)) {
	go func() { cb(w.hooks.BeforeRemovingDocDuringStagedInsert(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) BeforeRollbackDeleteInserted(docID string, cb func(error)) {
	go func() { cb(w.hooks.BeforeRollbackDeleteInserted(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) AfterDocCommittedBeforeSavingCAS(docID string, cb func(error)) {
	go func() { cb(w.hooks.AfterDocCommittedBeforeSavingCAS(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) AfterDocRemovedPreRetry(docID string, cb func(error)) {
	go func() { cb(w.hooks.AfterDocRemovedPreRetry(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) AfterDocRemovedPostRetry(docID string, cb func(error)) {
	go func() { cb(w.hooks.AfterDocRemovedPostRetry(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) BeforeStagedInsert(docID string, cb func(error)) {
	go func() { cb(w.hooks.BeforeStagedInsert(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) BeforeStagedRemove(docID string, cb func(error)) {
	go func() { cb(w.hooks.BeforeStagedRemove(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) BeforeStagedReplace(docID string, cb func(error)) {
	go func() { cb(w.hooks.BeforeStagedReplace(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) BeforeDocRemoved(docID string, cb func(error)) {
	go func() { cb(w.hooks.BeforeDocRemoved(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) BeforeDocRolledBack(docID string, cb func(error)) {
	go func() { cb(w.hooks.BeforeDocRolledBack(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) AfterDocStagedInsert(docID string, cb func(error)) {
	go func() { cb(w.hooks.AfterDocStagedInsert(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) AfterDocStagedRemove(docID string, cb func(error)) {
	go func() { cb(w.hooks.AfterDocStagedRemove(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) AfterDocStagedReplace(docID string, cb func(error)) {
	go func() { cb(w.hooks.AfterDocStagedReplace(w.ctx, docID)) }()
}

func (w *coreHooksWrapper) BeforeATRPending(cb func(error)) {
	go func() { cb(w.hooks.BeforeATRPending(w.ctx)) }()
}

func (w *coreHooksWrapper) AfterATRPending(cb func(error)) {
	go func() { cb(w.hooks.AfterATRPending(w.ctx)) }()
}

func (w *coreHooksWrapper) BeforeATRComplete(cb func(error)) {
	go func() { cb(w.hooks.BeforeATRComplete(w.ctx)) }()
}

func (w *coreHooksWrapper) AfterATRComplete(cb func(error)) {
	go func() { cb(w.hooks.AfterATRComplete(w.ctx)) }()
}

func (w *coreHooksWrapper) BeforeATRRolledBack(cb func(error)) {
	go func() { cb(w.hooks.BeforeATRRolledBack(w.ctx)) }()
}

func (w *coreHooksWrapper) AfterATRRolledBack(cb func(error)) {
	go func() { cb(w.hooks.AfterATRRolledBack(w.ctx)) }()
}

func (w *coreHooksWrapper) BeforeATRAborted(cb func(error)) {
	go func() { cb(w.hooks.BeforeATRAborted(w.ctx)) }()
}

func (w *coreHooksWrapper) AfterATRAborted(cb func(error)) {
	go func() { cb(w.hooks.AfterATRAborted(w.ctx)) }()
}

func (w *coreHooksWrapper) BeforeGetATRForAbort(cb func(error)) {
	go func() { cb(w.hooks.BeforeGetATRForAbort(w.ctx)) }()
}

func (w *coreHooksWrapper) HasExpiredClientSideOnly(stage string, docID string) bool {
	return w.hooks.HasExpiredClientSideOnly(w.ctx, stage, docID)
}

func (w *coreHooksWrapper) RandomATRIDForVbucket(cb func(string, error)) {
	go func() {
		id, err := w.hooks.RandomATRIDForVbucket(w.ctx)
		cb(id, err)
	}()
}

type coreCleanupHooksWrapper struct {
	hooks CleanupHooks
}

func (w *coreCleanupHooksWrapper) BeforeCommitDoc(id string, cb func(error)) {
	go func() { cb(w.hooks.BeforeCommitDoc(id)) }()
}

func (w *coreCleanupHooksWrapper) BeforeDocGet(id string, cb func(error)) {
	go func() { cb(w.hooks.BeforeDocGet(id)) }()
}

func (w *coreCleanupHooksWrapper) BeforeRemoveDoc(id string, cb func(error)) {
	go func() { cb(w.hooks.BeforeRemoveDoc(id)) }()
}

func (w *coreCleanupHooksWrapper) BeforeRemoveLinks(id string, cb func(error)) {
	go func() { cb(w.hooks.BeforeRemoveLinks(id)) }()
}

func (w *coreCleanupHooksWrapper) BeforeATRRemove(cb func(error)) {
	go func() { cb(w.hooks.BeforeATRRemove()) }()
}

type coreClientRecordHooksWrapper struct {
	hooks ClientRecordHooks
}

func (w *coreClientRecordHooksWrapper) BeforeCreateRecord(cb func(error)) {
	go func() { cb(w.hooks.BeforeCreateRecord()) }()
}

func (w *coreClientRecordHooksWrapper) BeforeRemoveClient(cb func(error)) {
	go func() { cb(w.hooks.BeforeRemoveClient()) }()
}

func (w *coreClientRecordHooksWrapper) BeforeUpdateCAS(cb func(error)) {
	go func() { cb(w.hooks.BeforeUpdateCAS()) }()
}

func (w *coreClientRecordHooksWrapper) BeforeGetRecord(cb func(error)) {
	go func() { cb(w.hooks.BeforeGetRecord()) }()
}

func (w *coreClientRecordHooksWrapper) BeforeUpdateRecord(cb func(error)) {
	go func() { cb(w.hooks.BeforeUpdateRecord()) }()
}

// defaultHooks is the facade-level no-op TransactionHooks used whenever
// the application doesn't supply its own, keeping coreHooksWrapper's
// call sites unconditional.
type defaultHooks struct{}

func (defaultHooks) BeforeATRCommit(AttemptContext) error                        { return nil }
func (defaultHooks) AfterATRCommit(AttemptContext) error                         { return nil }
func (defaultHooks) BeforeDocCommitted(AttemptContext, string) error             { return nil }
func (defaultHooks) BeforeRemovingDocDuringStagedInsert(AttemptContext, string) error { return nil }
func (defaultHooks) BeforeRollbackDeleteInserted(AttemptContext, string) error    { return nil }
func (defaultHooks) AfterDocCommittedBeforeSavingCAS(AttemptContext, string) error { return nil }
func (defaultHooks) AfterDocRemovedPreRetry(AttemptContext, string) error         { return nil }
func (defaultHooks) AfterDocRemovedPostRetry(AttemptContext, string) error        { return nil }
func (defaultHooks) BeforeStagedInsert(AttemptContext, string) error              { return nil }
func (defaultHooks) BeforeStagedRemove(AttemptContext, string) error              { return nil }
func (defaultHooks) BeforeStagedReplace(AttemptContext, string) error             { return nil }
func (defaultHooks) BeforeDocRemoved(AttemptContext, string) error                { return nil }
func (defaultHooks) BeforeDocRolledBack(AttemptContext, string) error             { return nil }
func (defaultHooks) AfterDocStagedInsert(AttemptContext, string) error            { return nil }
func (defaultHooks) AfterDocStagedRemove(AttemptContext, string) error            { return nil }
func (defaultHooks) AfterDocStagedReplace(AttemptContext, string) error           { return nil }
func (defaultHooks) BeforeATRPending(AttemptContext) error                       { return nil }
func (defaultHooks) AfterATRPending(AttemptContext) error                        { return nil }
func (defaultHooks) BeforeATRComplete(AttemptContext) error                      { return nil }
func (defaultHooks) AfterATRComplete(AttemptContext) error                       { return nil }
func (defaultHooks) BeforeATRRolledBack(AttemptContext) error                    { return nil }
func (defaultHooks) AfterATRRolledBack(AttemptContext) error                     { return nil }
func (defaultHooks) BeforeATRAborted(AttemptContext) error                       { return nil }
func (defaultHooks) AfterATRAborted(AttemptContext) error                        { return nil }
func (defaultHooks) BeforeGetATRForAbort(AttemptContext) error                   { return nil }
func (defaultHooks) HasExpiredClientSideOnly(AttemptContext, string, string) bool { return false }
func (defaultHooks) RandomATRIDForVbucket(AttemptContext) (string, error)        { return "", nil }

var _ coretxns.TransactionHooks = (*coreHooksWrapper)(nil)
var _ coretxns.CleanUpHooks = (*coreCleanupHooksWrapper)(nil)
var _ coretxns.ClientRecordHooks = (*coreClientRecordHooksWrapper)(nil)
