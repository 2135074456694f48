package coretxns

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVbucketForKeyIsStableAndInRange(t *testing.T) {
	keys := []string{"order-1", "order-2", "customer-42", ""}

	for _, k := range keys {
		vb := vbucketForKey([]byte(k))
		assert.Less(t, vb, uint32(numVbuckets))
		assert.Equal(t, vb, vbucketForKey([]byte(k)), "must be deterministic across calls")
	}
}

func TestAtrIDListIsFixedSizeAndUnique(t *testing.T) {
	assert.Len(t, atrIDList, numVbuckets)

	seen := make(map[string]struct{}, numVbuckets)
	for _, id := range atrIDList {
		_, dup := seen[id]
		assert.False(t, dup, "atr id %q must be unique", id)
		seen[id] = struct{}{}
	}
}

func TestAtrIDForVbucketWrapsModulo(t *testing.T) {
	assert.Equal(t, atrIDList[0], atrIDForVbucket(uint32(numVbuckets)))
	assert.Equal(t, atrIDList[5], atrIDForVbucket(5))
}

func TestAtrLocationString(t *testing.T) {
	unset := atrLocation{}
	assert.Equal(t, "<unset>", unset.String())

	loc := atrLocation{BucketName: "b", ScopeName: "s", CollectionName: "c", ATRID: "_txn:atr-0000-#000"}
	assert.Equal(t, "b.s.c/_txn:atr-0000-#000", loc.String())
}
