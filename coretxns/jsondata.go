package coretxns

import "encoding/json"

// jsonAtrState is the on-the-wire status string stored per attempt
// under attempts.<id>.st in an ATR's xattrs. See §3 of the design for
// the full status DAG.
type jsonAtrState string

const (
	jsonAtrStateNothingWritten jsonAtrState = ""
	jsonAtrStatePending        jsonAtrState = "PENDING"
	jsonAtrStateCommitted      jsonAtrState = "COMMITTED"
	jsonAtrStateCompleted      jsonAtrState = "COMPLETED"
	jsonAtrStateAborted        jsonAtrState = "ABORTED"
	jsonAtrStateRolledBack     jsonAtrState = "ROLLED_BACK"
)

type jsonAtrMutation struct {
	ScopeName      string `json:"scp,omitempty"`
	CollectionName string `json:"col,omitempty"`
	BucketName     string `json:"bkt,omitempty"`
	DocID          string `json:"id,omitempty"`
}

// jsonAtrAttempt is the shape of a single attempts.<id> sub-object in
// an ATR document's xattrs.
type jsonAtrAttempt struct {
	TransactionID string `json:"tid,omitempty"`
	ExpiryTime    uint   `json:"exp,omitempty"`
	State         string `json:"st,omitempty"`

	PendingCAS    string `json:"tst,omitempty"`
	CommitCAS     string `json:"tsc,omitempty"`
	CompletedCAS  string `json:"tsco,omitempty"`
	AbortCAS      string `json:"tsrs,omitempty"`
	RolledBackCAS string `json:"tsrc,omitempty"`

	Inserts  []jsonAtrMutation `json:"ins,omitempty"`
	Replaces []jsonAtrMutation `json:"rep,omitempty"`
	Removes  []jsonAtrMutation `json:"rem,omitempty"`

	DurabilityLevel string `json:"d,omitempty"`

	ForwardCompat map[string][]jsonForwardCompatEntry `json:"fc,omitempty"`
}

// jsonTxnXattrID is txn.id.
type jsonTxnXattrID struct {
	Transaction string `json:"txn,omitempty"`
	Attempt     string `json:"atmpt,omitempty"`
}

// jsonTxnXattrATR is txn.atr.
type jsonTxnXattrATR struct {
	DocID          string `json:"id,omitempty"`
	BucketName     string `json:"bkt,omitempty"`
	CollectionName string `json:"coll,omitempty"`
	ScopeName      string `json:"scp,omitempty"`
}

// jsonTxnXattrOp is txn.op.
type jsonTxnXattrOp struct {
	Type   string          `json:"type,omitempty"`
	Staged json.RawMessage `json:"stgd,omitempty"`
	CRC32  string          `json:"crc32,omitempty"`
}

// jsonTxnXattrRestore is txn.restore.
type jsonTxnXattrRestore struct {
	OriginalCAS string `json:"CAS,omitempty"`
	ExpiryTime  uint   `json:"exptime"`
	RevID       string `json:"revid,omitempty"`
}

// jsonTxnXattr is the full txn top-level xattr written onto a staged
// document, see §6.
type jsonTxnXattr struct {
	ID            jsonTxnXattrID                      `json:"id,omitempty"`
	ATR           jsonTxnXattrATR                      `json:"atr,omitempty"`
	Operation     jsonTxnXattrOp                        `json:"op,omitempty"`
	Restore       *jsonTxnXattrRestore                  `json:"restore,omitempty"`
	ForwardCompat map[string][]jsonForwardCompatEntry   `json:"fc,omitempty"`
}

type jsonForwardCompatEntry struct {
	ProtocolVersion   string `json:"p,omitempty"`
	ProtocolExtension string `json:"e,omitempty"`
	Behaviour         string `json:"b,omitempty"`
	RetryInterval     int    `json:"ra,omitempty"`
}

// jsonHLC is the server hybrid-logical-clock macro expansion used by
// cleanup to compute "now" without trusting client wall-clocks.
type jsonHLC struct {
	NowSecs string `json:"now"`
}

func jsonForwardCompatToForwardCompat(in map[string][]jsonForwardCompatEntry) map[string][]ForwardCompatibilityEntry {
	if in == nil {
		return nil
	}

	out := make(map[string][]ForwardCompatibilityEntry, len(in))
	for k, entries := range in {
		converted := make([]ForwardCompatibilityEntry, len(entries))
		for i, e := range entries {
			converted[i] = ForwardCompatibilityEntry(e)
		}
		out[k] = converted
	}
	return out
}

func forwardCompatToJSONForwardCompat(in map[string][]ForwardCompatibilityEntry) map[string][]jsonForwardCompatEntry {
	if in == nil {
		return nil
	}

	out := make(map[string][]jsonForwardCompatEntry, len(in))
	for k, entries := range in {
		converted := make([]jsonForwardCompatEntry, len(entries))
		for i, e := range entries {
			converted[i] = jsonForwardCompatEntry(e)
		}
		out[k] = converted
	}
	return out
}
