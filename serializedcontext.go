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

// SerializedContext represents a transaction which has been serialized
// for resumption at a later point in time.
type SerializedContext struct {
}

// EncodeAsString returns an empty string; SerializedContext carries no
// state, so nothing is encoded.
func (c *SerializedContext) EncodeAsString() string {
	return ""
}

// EncodeAsBytes returns an empty byte slice; SerializedContext carries
// no state, so nothing is encoded.
func (c *SerializedContext) EncodeAsBytes() []byte {
	return []byte{}
}
