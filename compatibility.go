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

// protocolVersion is the version of the distributed transactions
// protocol this library implements.
const protocolVersion = "2.0"

// protocolExtensions lists the optional protocol extensions reported by
// ProtocolExtensions. The engine's forward-compatibility gate does not
// read this list.
var protocolExtensions = []string{
	"EXT_TRANSACTION_ID",
	"EXT_DEFERRED_COMMIT",
	"EXT_TIME_OPT_UNSTAGING",
	"EXT_BINARY_METADATA",
	"EXT_CUSTOM_METADATA_COLLECTION",
	"EXT_QUERY",
	"EXT_STORE_DURABILITY",
	"EXT_REMOVE_COMPLETED",
	"EXT_ALL_KV_COMBINATIONS",
	"EXT_UNKNOWN_ATR_STATES",
	"EXT_SINGLE_QUERY",
	"EXT_THREAD_SAFE",
	"EXT_SERIALIZATION",
	"EXT_SDK_INTEGRATION",
	"EXT_MOBILE_INTEROP",
}

// ProtocolVersion returns the protocol version that this library supports.
func ProtocolVersion() string {
	return protocolVersion
}

// ProtocolExtensions returns a list strings representing the various features
// that this specific version of the library supports within its protocol version.
func ProtocolExtensions() []string {
	return protocolExtensions
}
