package transactions

import (
	gocb "github.com/couchbase/gocb/v2"
	coretxns "github.com/couchbaselabs/gocb-transactions/coretxns"
)

// GetResult represents the result of a Get operation which was performed.
type GetResult struct {
	collection *gocb.Collection
	docID      string

	transcoder gocb.Transcoder
	flags      uint32

	coreRes *coretxns.GetResult
}

func newGetResult(collection *gocb.Collection, docID string, transcoder gocb.Transcoder, coreRes *coretxns.GetResult) *GetResult {
	if transcoder == nil {
		transcoder = gocb.NewJSONTranscoder()
	}
	return &GetResult{
		collection: collection,
		docID:      docID,
		transcoder: transcoder,
		flags:      2 << 24,
		coreRes:    coreRes,
	}
}

// Content provides access to the documents contents.
func (d *GetResult) Content(valuePtr interface{}) error {
	return d.transcoder.Decode(d.coreRes.Value, d.flags, valuePtr)
}
