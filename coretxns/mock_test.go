//go:build mock
// +build mock

package coretxns

import (
	"testing"
	"time"

	"github.com/couchbase/gocbcore/v9"
	"github.com/stretchr/testify/require"
	"gopkg.in/couchbaselabs/gojcbmock.v1"
)

// startMock launches CouchbaseMock with one vbucket-aware bucket, the
// minimum needed to exercise CAS and xattr sub-document ops without a
// live cluster. Run with `-tags=mock`.
func startMock(t *testing.T) (*gojcbmock.Mock, *gocbcore.Agent) {
	mock, err := gojcbmock.NewMock("", 1, 1, 64, []gojcbmock.BucketSpec{
		{Name: "default", Type: gojcbmock.BCouchbase},
	}...)
	require.NoError(t, err)

	agent, err := gocbcore.CreateAgent(&gocbcore.AgentConfig{
		BucketName: "default",
		SeedConfig: gocbcore.SeedConfig{
			HTTPAddrs: []string{mock.EntryPoint()},
		},
	})
	require.NoError(t, err)

	return mock, agent
}

func TestAtrRoundTripAgainstMock(t *testing.T) {
	mock, agent := startMock(t)
	defer mock.Stop()
	defer agent.Close()

	atrID := atrIDForVbucket(vbucketForKey([]byte("doc1")))
	deadline := time.Now().Add(5 * time.Second)

	done := make(chan error, 1)
	getAtrEntries(agent, "_default", "_default", atrID, deadline, func(_ map[string]jsonAtrAttempt, nowMS int64, err error) {
		if err == nil {
			require.Greater(t, nowMS, int64(0))
		}
		done <- err
	})

	select {
	case err := <-done:
		// An ATR that was never written returns ErrDocumentNotFound,
		// which is the expected state for a fresh mock bucket.
		if err != nil {
			require.ErrorIs(t, err, ErrDocumentNotFound)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for mock ATR lookup")
	}
}
