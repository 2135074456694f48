package coretxns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptStateStringRoundTrips(t *testing.T) {
	states := []AttemptState{
		AttemptStatePending,
		AttemptStateCommitted,
		AttemptStateCompleted,
		AttemptStateAborted,
		AttemptStateRolledBack,
	}

	for _, s := range states {
		assert.Equal(t, s, attemptStateFromJSON(s.String()))
	}
}

func TestAttemptStateFromJSONUnknownIsNothingWritten(t *testing.T) {
	assert.Equal(t, AttemptStateNothingWritten, attemptStateFromJSON("SOME_FUTURE_STATE"))
}

func TestParseCASToMillisecondsEmptyIsZero(t *testing.T) {
	ms, err := parseCASToMilliseconds("")
	require.NoError(t, err)
	assert.Zero(t, ms)
}

func TestParseCASToMillisecondsConvertsNanosToMillis(t *testing.T) {
	// 0xe8d4a51000 ns = 1000000000000 ns = 1000000 ms
	ms, err := parseCASToMilliseconds("0xe8d4a51000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), ms)
}

func TestParseCASToMillisecondsWithoutPrefix(t *testing.T) {
	ms, err := parseCASToMilliseconds("e8d4a51000")
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), ms)
}

func TestParseHLCToSeconds(t *testing.T) {
	secs, err := parseHLCToSeconds(jsonHLC{NowSecs: "1700000000"})
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), secs)
}

func TestAtrEntryHasExpired(t *testing.T) {
	e := &atrEntry{
		PendingCAS:        "0xe8d4a51000", // 1000000 ms
		ExpiresAfterMsecs: 1000,
	}

	assert.False(t, e.hasExpired(1000000+1000+defaultCleanupSafetyMarginMS-1, defaultCleanupSafetyMarginMS))
	assert.True(t, e.hasExpired(1000000+1000+defaultCleanupSafetyMarginMS+1, defaultCleanupSafetyMarginMS))
}

func TestAtrEntryHasExpiredUnparsablePendingCASIsNotExpired(t *testing.T) {
	e := &atrEntry{PendingCAS: "not-hex", ExpiresAfterMsecs: 1}
	assert.False(t, e.hasExpired(1<<62, 0))
}

func TestNewAtrEntryDefaultsMissingBucketName(t *testing.T) {
	raw := jsonAtrAttempt{
		TransactionID: "txn-1",
		State:         string(jsonAtrStatePending),
		Inserts: []jsonAtrMutation{
			{ScopeName: "_default", CollectionName: "_default", DocID: "doc1"},
		},
	}

	entry := newAtrEntry("attempt-1", raw, "fallback-bucket")

	require.Len(t, entry.Inserts, 1)
	assert.Equal(t, "fallback-bucket", entry.Inserts[0].BucketName)
	assert.Equal(t, AttemptStatePending, entry.State)
	assert.Equal(t, "txn-1", entry.TransactionID)
}
