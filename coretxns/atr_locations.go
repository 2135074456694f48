package coretxns

import (
	"fmt"
	"hash/crc32"
)

// numVbuckets is the number of virtual buckets the key space is
// partitioned into for ATR placement, per §4.3.
const numVbuckets = 1024

// atrIDList is the fixed table mapping a virtual bucket index to its
// well-known ATR document key. It must be identical across every
// independent client implementation so that concurrent clients agree
// on where a given document's ATR lives; we build it once, deterministically,
// at package initialization rather than hand-writing 1024 literals.
var atrIDList = buildAtrIDList()

func buildAtrIDList() []string {
	ids := make([]string, numVbuckets)
	for i := 0; i < numVbuckets; i++ {
		ids[i] = fmt.Sprintf("_txn:atr-%04x-#%03x", i, i%4096)
	}
	return ids
}

// vbucketForKey computes the virtual bucket a document key is mapped
// to: CRC32(key) mod 1024.
func vbucketForKey(key []byte) uint32 {
	return crc32.ChecksumIEEE(key) % numVbuckets
}

// atrIDForVbucket resolves a virtual bucket index to its well-known
// ATR document key.
func atrIDForVbucket(vbID uint32) string {
	return atrIDList[vbID%numVbuckets]
}

// atrLocation pins an attempt's selected ATR to a specific bucket,
// scope and collection once it has been chosen; see the "selected ATR
// identity" field of the transaction context in §3.
type atrLocation struct {
	BucketName     string
	ScopeName      string
	CollectionName string
	ATRID          string
}

func (l atrLocation) String() string {
	if l.ATRID == "" {
		return "<unset>"
	}
	return fmt.Sprintf("%s.%s.%s/%s", l.BucketName, l.ScopeName, l.CollectionName, l.ATRID)
}

// LostATRLocation specifies a specific bucket/scope/collection location
// where lost transactions should attempt cleanup. Lost-attempt cleanup
// uses only BucketName; ScopeName and CollectionName are not read, and
// the ATRs are looked up in the bucket's default scope and collection.
type LostATRLocation struct {
	BucketName     string
	ScopeName      string
	CollectionName string
}
