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

// Package coretxns implements the core of a client-side distributed
// transaction engine layered over a non-transactional document key-value
// store. It drives the per-attempt state machine (staging, the ATR
// lifecycle, conflict detection, commit/rollback, and lost-attempt
// cleanup) that the transactions facade package builds upon.
//
// Internal: the API of this package is not stable and is intended only
// for consumption by the facade package in this module.
package coretxns
