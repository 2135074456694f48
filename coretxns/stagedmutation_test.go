package coretxns

import (
	"testing"

	"github.com/couchbase/gocbcore/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgent() *gocbcore.Agent {
	return &gocbcore.Agent{}
}

func mutation(opType StagedMutationType, key string, staged []byte) *StagedMutation {
	return &StagedMutation{
		OpType:         opType,
		Agent:          testAgent(),
		ScopeName:      "_default",
		CollectionName: "_default",
		Key:            []byte(key),
		Staged:         staged,
	}
}

func TestStagedMutationQueueAddsNewEntry(t *testing.T) {
	q := &stagedMutationQueue{}

	require.NoError(t, q.Add(mutation(StagedMutationInsert, "doc1", []byte(`{"a":1}`))))

	assert.False(t, q.Empty())
	id := documentIdentity{ScopeName: "_default", CollectionName: "_default", Key: "doc1"}
	assert.NotNil(t, q.FindInsert(id))
}

func TestStagedMutationInsertThenInsertIsIllegal(t *testing.T) {
	q := &stagedMutationQueue{}
	require.NoError(t, q.Add(mutation(StagedMutationInsert, "doc1", nil)))

	err := q.Add(mutation(StagedMutationInsert, "doc1", nil))
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestStagedMutationInsertThenReplaceCollapsesToInsert(t *testing.T) {
	q := &stagedMutationQueue{}
	require.NoError(t, q.Add(mutation(StagedMutationInsert, "doc1", []byte(`{"v":1}`))))
	require.NoError(t, q.Add(mutation(StagedMutationReplace, "doc1", []byte(`{"v":2}`))))

	id := documentIdentity{ScopeName: "_default", CollectionName: "_default", Key: "doc1"}
	entry := q.FindInsert(id)
	require.NotNil(t, entry)
	assert.Equal(t, []byte(`{"v":2}`), entry.Staged)
}

func TestStagedMutationInsertThenRemoveCollapsesToNoop(t *testing.T) {
	q := &stagedMutationQueue{}
	require.NoError(t, q.Add(mutation(StagedMutationInsert, "doc1", nil)))
	require.NoError(t, q.Add(mutation(StagedMutationRemove, "doc1", nil)))

	id := documentIdentity{ScopeName: "_default", CollectionName: "_default", Key: "doc1"}
	assert.Nil(t, q.FindAny(id))
	assert.True(t, q.Empty())
}

func TestStagedMutationReplaceThenReplaceCollapses(t *testing.T) {
	q := &stagedMutationQueue{}
	require.NoError(t, q.Add(mutation(StagedMutationReplace, "doc1", []byte(`{"v":1}`))))
	require.NoError(t, q.Add(mutation(StagedMutationReplace, "doc1", []byte(`{"v":2}`))))

	id := documentIdentity{ScopeName: "_default", CollectionName: "_default", Key: "doc1"}
	entry := q.FindReplace(id)
	require.NotNil(t, entry)
	assert.Equal(t, []byte(`{"v":2}`), entry.Staged)
}

func TestStagedMutationReplaceThenRemoveCollapsesToRemove(t *testing.T) {
	q := &stagedMutationQueue{}
	require.NoError(t, q.Add(mutation(StagedMutationReplace, "doc1", []byte(`{"v":1}`))))
	require.NoError(t, q.Add(mutation(StagedMutationRemove, "doc1", nil)))

	id := documentIdentity{ScopeName: "_default", CollectionName: "_default", Key: "doc1"}
	entry := q.FindRemove(id)
	require.NotNil(t, entry)
	assert.Nil(t, entry.Staged)
}

func TestStagedMutationAnyWriteAfterRemoveIsIllegal(t *testing.T) {
	q := &stagedMutationQueue{}
	require.NoError(t, q.Add(mutation(StagedMutationRemove, "doc1", nil)))

	err := q.Add(mutation(StagedMutationInsert, "doc1", nil))
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestStagedMutationToDocRecordsPartitionsByType(t *testing.T) {
	q := &stagedMutationQueue{}
	require.NoError(t, q.Add(mutation(StagedMutationInsert, "ins1", nil)))
	require.NoError(t, q.Add(mutation(StagedMutationReplace, "rep1", nil)))
	require.NoError(t, q.Add(mutation(StagedMutationRemove, "rem1", nil)))

	inserts, replaces, removes := q.ToDocRecords()
	require.Len(t, inserts, 1)
	require.Len(t, replaces, 1)
	require.Len(t, removes, 1)
	assert.Equal(t, "ins1", string(inserts[0].ID))
	assert.Equal(t, "rep1", string(replaces[0].ID))
	assert.Equal(t, "rem1", string(removes[0].ID))
}
