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
	"errors"

	gocb "github.com/couchbase/gocb/v2"
	"github.com/couchbase/gocbcore/v9"
	coretxns "github.com/couchbaselabs/gocb-transactions/coretxns"
)

// AttemptContext represents a single attempt to execute a transaction's
// logic. A fresh AttemptContext is handed to the logic function every
// time an attempt is retried.
type AttemptContext struct {
	attempt    *coretxns.AttemptContext
	transcoder gocb.Transcoder
}

// Internal is used for internal dealings.
// Internal: This should never be used and is not supported.
func (c AttemptContext) Internal() *InternalAttemptContext {
	return &InternalAttemptContext{ac: c}
}

// InternalAttemptContext is used for internal dealings.
// Internal: This should never be used and is not supported.
type InternalAttemptContext struct {
	ac AttemptContext
}

func (iac *InternalAttemptContext) IsExpired() bool {
	return iac.ac.attempt.IsExpired()
}

func agentForCollection(collection *gocb.Collection) (*gocbcore.Agent, error) {
	return collection.Bucket().Internal().IORouter()
}

// GetOptional will attempt to fetch a document, and return nil if it does not exist.
func (c AttemptContext) GetOptional(collection *gocb.Collection, id string) (*GetResult, error) {
	agent, err := agentForCollection(collection)
	if err != nil {
		return nil, err
	}

	var resOut *GetResult
	var errOut error
	waitCh := make(chan struct{}, 1)
	c.attempt.GetOptional(agent, "", collection.ScopeName(), collection.Name(), []byte(id), func(res *coretxns.GetResult, err error) {
		if err == nil && res != nil {
			resOut = newGetResult(collection, id, c.transcoder, res)
		}
		errOut = createTransactionOperationFailedError(err)
		waitCh <- struct{}{}
	})
	<-waitCh

	return resOut, errOut
}

// Get will attempt to fetch a document, and fail the transaction if it does not exist.
func (c AttemptContext) Get(collection *gocb.Collection, id string) (*GetResult, error) {
	agent, err := agentForCollection(collection)
	if err != nil {
		return nil, err
	}

	var resOut *GetResult
	var errOut error
	waitCh := make(chan struct{}, 1)
	c.attempt.Get(agent, "", collection.ScopeName(), collection.Name(), []byte(id), func(res *coretxns.GetResult, err error) {
		if err == nil {
			resOut = newGetResult(collection, id, c.transcoder, res)
		}
		errOut = createTransactionOperationFailedError(err)
		waitCh <- struct{}{}
	})
	<-waitCh

	return resOut, errOut
}

// Insert will insert a new document, failing if the document already exists.
func (c AttemptContext) Insert(collection *gocb.Collection, id string, value interface{}) (*GetResult, error) {
	valueBytes, _, err := c.transcoder.Encode(value)
	if err != nil {
		return nil, err
	}

	agent, err := agentForCollection(collection)
	if err != nil {
		return nil, err
	}

	var resOut *GetResult
	var errOut error
	waitCh := make(chan struct{}, 1)
	c.attempt.Insert(agent, "", collection.ScopeName(), collection.Name(), []byte(id), valueBytes, func(res *coretxns.GetResult, err error) {
		if err == nil {
			resOut = newGetResult(collection, id, c.transcoder, res)
		}
		errOut = createTransactionOperationFailedError(err)
		waitCh <- struct{}{}
	})
	<-waitCh

	return resOut, errOut
}

// Replace will replace the contents of a document, failing if the document does not already exist.
func (c AttemptContext) Replace(doc *GetResult, value interface{}) (*GetResult, error) {
	valueBytes, _, err := c.transcoder.Encode(value)
	if err != nil {
		return nil, err
	}

	var resOut *GetResult
	var errOut error
	waitCh := make(chan struct{}, 1)
	c.attempt.Replace(doc.coreRes, valueBytes, func(res *coretxns.GetResult, err error) {
		if err == nil {
			resOut = newGetResult(doc.collection, doc.docID, c.transcoder, res)
		}
		errOut = createTransactionOperationFailedError(err)
		waitCh <- struct{}{}
	})
	<-waitCh

	return resOut, errOut
}

// Remove will delete a document.
func (c AttemptContext) Remove(doc *GetResult) error {
	var errOut error
	waitCh := make(chan struct{}, 1)
	c.attempt.Remove(doc.coreRes, func(err error) {
		errOut = createTransactionOperationFailedError(err)
		waitCh <- struct{}{}
	})
	<-waitCh

	return errOut
}

// Commit will attempt to commit the transaction in its entirety.
func (c AttemptContext) Commit() error {
	var errOut error
	waitCh := make(chan struct{}, 1)
	c.attempt.Commit(func(err error) {
		errOut = createTransactionOperationFailedError(err)
		waitCh <- struct{}{}
	})
	<-waitCh
	return errOut
}

// Rollback will undo all changes related to a transaction.
func (c AttemptContext) Rollback() error {
	var errOut error
	waitCh := make(chan struct{}, 1)
	c.attempt.Rollback(func(err error) {
		errOut = createTransactionOperationFailedError(err)
		waitCh <- struct{}{}
	})
	<-waitCh
	return errOut
}

// Defer serializes the transaction to enable it to be completed at a later point in time.
// VOLATILE: This API is subject to change at any time.
func (c AttemptContext) Defer() error {
	return errors.New("not implemented")
}
