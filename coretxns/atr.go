package coretxns

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/couchbase/gocbcore/v9"
	"github.com/couchbase/gocbcore/v9/memd"
)

// AttemptState is the lifecycle state of a single attempt, recorded in
// its ATR entry; see the status DAG in §3.
type AttemptState int

const (
	AttemptStateNothingWritten AttemptState = iota
	AttemptStatePending
	AttemptStateCommitted
	AttemptStateCompleted
	AttemptStateAborted
	AttemptStateRolledBack
)

func (s AttemptState) String() string {
	switch s {
	case AttemptStatePending:
		return string(jsonAtrStatePending)
	case AttemptStateCommitted:
		return string(jsonAtrStateCommitted)
	case AttemptStateCompleted:
		return string(jsonAtrStateCompleted)
	case AttemptStateAborted:
		return string(jsonAtrStateAborted)
	case AttemptStateRolledBack:
		return string(jsonAtrStateRolledBack)
	default:
		return ""
	}
}

func attemptStateFromJSON(s string) AttemptState {
	switch jsonAtrState(s) {
	case jsonAtrStatePending:
		return AttemptStatePending
	case jsonAtrStateCommitted:
		return AttemptStateCommitted
	case jsonAtrStateCompleted:
		return AttemptStateCompleted
	case jsonAtrStateAborted:
		return AttemptStateAborted
	case jsonAtrStateRolledBack:
		return AttemptStateRolledBack
	default:
		return AttemptStateNothingWritten
	}
}

// atrEntry is the parsed, typed view of a single attempts.<id> entry
// read from an ATR's xattrs, per §3.
type atrEntry struct {
	AttemptID         string
	TransactionID     string
	State             AttemptState
	ExpiresAfterMsecs uint
	PendingCAS        string
	CommitCAS         string
	CompletedCAS      string
	AbortCAS          string
	RolledBackCAS     string
	Inserts           []DocRecord
	Replaces          []DocRecord
	Removes           []DocRecord
	DurabilityLevel   DurabilityLevel
	ForwardCompat     map[string][]ForwardCompatibilityEntry
}

func newAtrEntry(attemptID string, raw jsonAtrAttempt, bucket string) *atrEntry {
	toRecords := func(muts []jsonAtrMutation) []DocRecord {
		if len(muts) == 0 {
			return nil
		}
		recs := make([]DocRecord, len(muts))
		for i, m := range muts {
			b := m.BucketName
			if b == "" {
				b = bucket
			}
			recs[i] = DocRecord{
				CollectionName: m.CollectionName,
				ScopeName:      m.ScopeName,
				BucketName:     b,
				ID:             []byte(m.DocID),
			}
		}
		return recs
	}

	return &atrEntry{
		AttemptID:         attemptID,
		TransactionID:     raw.TransactionID,
		State:             attemptStateFromJSON(raw.State),
		ExpiresAfterMsecs: raw.ExpiryTime,
		PendingCAS:        raw.PendingCAS,
		CommitCAS:         raw.CommitCAS,
		CompletedCAS:      raw.CompletedCAS,
		AbortCAS:          raw.AbortCAS,
		RolledBackCAS:     raw.RolledBackCAS,
		Inserts:           toRecords(raw.Inserts),
		Replaces:          toRecords(raw.Replaces),
		Removes:           toRecords(raw.Removes),
		DurabilityLevel:   durabilityLevelFromShorthand(raw.DurabilityLevel),
		ForwardCompat:     jsonForwardCompatToForwardCompat(raw.ForwardCompat),
	}
}

// hasExpired reports whether this entry's attempt has run past its
// expiry budget, with an added safety margin. Cleanup uses a 1500ms
// default margin (§4.6).
func (e *atrEntry) hasExpired(nowMS int64, safetyMarginMS int64) bool {
	startMS, err := parseCASToMilliseconds(e.PendingCAS)
	if err != nil {
		return false
	}
	return nowMS-startMS > int64(e.ExpiresAfterMsecs)+safetyMarginMS
}

const defaultCleanupSafetyMarginMS = 1500

// hlcMacro is the virtual xattr path exposing the server's
// hybrid-logical-clock, used by cleanup to compute "now" without
// trusting the client's wall clock.
const hlcMacro = "$vbucket.HLC"

// parseCASToMilliseconds converts a CAS value, as returned by the
// server's ${Mutation.CAS} macro (a hex string of a 64-bit value whose
// high bits are nanoseconds-since-epoch), into milliseconds.
func parseCASToMilliseconds(cas string) (int64, error) {
	if cas == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(trimHexPrefix(cas), 16, 64)
	if err != nil {
		return 0, err
	}
	return int64(v / 1000000), nil
}

func trimHexPrefix(s string) string {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// parseHLCToSeconds parses the $vbucket.HLC macro payload into a Unix
// second count.
func parseHLCToSeconds(hlc jsonHLC) (int64, error) {
	return strconv.ParseInt(hlc.NowSecs, 10, 64)
}

// getAtrEntries fetches the full set of attempts held on the named ATR
// document and the server's current HLC second count, used both by the
// attempt state machine (to read a foreign entry) and by lost cleanup
// (to scan for expired ones), per §4.6.
func getAtrEntries(agent *gocbcore.Agent, scope, collection, atrID string, deadline time.Time, cb func(map[string]jsonAtrAttempt, int64, error)) {
	_, err := agent.LookupIn(gocbcore.LookupInOptions{
		Key: []byte(atrID),
		Ops: []gocbcore.SubDocOp{
			{
				Op:    memd.SubDocOpGet,
				Path:  "attempts",
				Flags: memd.SubdocFlagXattrPath,
			},
			{
				Op:    memd.SubDocOpGet,
				Path:  hlcMacro,
				Flags: memd.SubdocFlagXattrPath,
			},
		},
		Deadline:       deadline,
		CollectionName: collection,
		ScopeName:      scope,
	}, func(result *gocbcore.LookupInResult, err error) {
		if err != nil {
			cb(nil, 0, err)
			return
		}

		if result.Ops[0].Err != nil {
			cb(nil, 0, result.Ops[0].Err)
			return
		}
		if result.Ops[1].Err != nil {
			cb(nil, 0, result.Ops[1].Err)
			return
		}

		var attempts map[string]jsonAtrAttempt
		if err := json.Unmarshal(result.Ops[0].Value, &attempts); err != nil {
			cb(nil, 0, err)
			return
		}

		var hlc jsonHLC
		if err := json.Unmarshal(result.Ops[1].Value, &hlc); err != nil {
			cb(nil, 0, err)
			return
		}

		nowSecs, err := parseHLCToSeconds(hlc)
		if err != nil {
			cb(nil, 0, err)
			return
		}

		cb(attempts, nowSecs*1000, nil)
	})
	if err != nil {
		cb(nil, 0, err)
	}
}

// getAtrEntry fetches and parses a single attempt's ATR entry.
func getAtrEntry(agent *gocbcore.Agent, scope, collection, atrID, attemptID string, deadline time.Time, cb func(*atrEntry, error)) {
	getAtrEntries(agent, scope, collection, atrID, deadline, func(attempts map[string]jsonAtrAttempt, _ int64, err error) {
		if err != nil {
			cb(nil, err)
			return
		}

		raw, ok := attempts[attemptID]
		if !ok {
			cb(nil, ErrAtrEntryNotFound)
			return
		}

		cb(newAtrEntry(attemptID, raw, agent.BucketName()), nil)
	})
}
