//go:build integration
// +build integration

package transactions

import (
	"log"
	"testing"

	"github.com/couchbase/gocb/v2"
)

// TestAgainstLiveCluster exercises Insert/Get/Replace/Remove/Commit
// against a real cluster. Run with `-tags=integration` and a reachable
// couchbase:// connection string.
func TestAgainstLiveCluster(t *testing.T) {
	cluster, err := gocb.Connect("couchbase://172.23.111.132", gocb.ClusterOptions{
		Username: "Administrator",
		Password: "password",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bucket := cluster.Bucket("travel-sample")
	collection := bucket.DefaultCollection()

	testDummy := map[string]string{"name": "frank"}
	if _, err = collection.Upsert("anotherDoc", testDummy, nil); err != nil {
		t.Fatalf("seed anotherDoc: %v", err)
	}
	if _, err = collection.Upsert("yetAnotherDoc", testDummy, nil); err != nil {
		t.Fatalf("seed yetAnotherDoc: %v", err)
	}

	txns, err := Init(cluster, &Config{
		DurabilityLevel: DurabilityLevelMajority,
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer txns.Close()

	_, err = txns.Run(func(ctx *AttemptContext) error {
		docID := "test-id"
		testData := map[string]string{"name": "mike"}
		if _, err := ctx.Insert(collection, docID, testData); err != nil {
			return err
		}

		docOpt, err := ctx.GetOptional(collection, docID)
		if err != nil {
			return err
		}
		log.Printf("GetOptional result: %+v", docOpt)

		doc, err := ctx.Get(collection, docID)
		if err != nil {
			return err
		}
		log.Printf("Get result: %+v", doc)

		anotherDoc, err := ctx.Get(collection, "anotherDoc")
		if err != nil {
			return err
		}
		var testReplace map[string]string
		if err := anotherDoc.Content(&testReplace); err != nil {
			return err
		}
		testReplace["transactions"] = "are awesome"
		if _, err := ctx.Replace(anotherDoc, testReplace); err != nil {
			return err
		}

		yetAnotherDoc, err := ctx.Get(collection, "yetAnotherDoc")
		if err != nil {
			return err
		}
		if err := ctx.Remove(yetAnotherDoc); err != nil {
			return err
		}

		return ctx.Commit()
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}
