package coretxns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckForwardCompatibilityProceedsWhenEmpty(t *testing.T) {
	outcome, wait := checkForwardCompatibility(forwardCompatStageGets, nil)
	assert.Equal(t, forwardCompatOutcomeProceed, outcome)
	assert.Zero(t, wait)
}

func TestCheckForwardCompatibilityProceedsWhenStageAbsent(t *testing.T) {
	fc := map[string][]ForwardCompatibilityEntry{
		string(forwardCompatStageCleanupEntry): {{Behaviour: forwardCompatBehaviourBlock}},
	}

	outcome, _ := checkForwardCompatibility(forwardCompatStageGets, fc)
	assert.Equal(t, forwardCompatOutcomeProceed, outcome)
}

func TestCheckForwardCompatibilityRetryCarriesInterval(t *testing.T) {
	fc := map[string][]ForwardCompatibilityEntry{
		string(forwardCompatStageWWCReplacing): {
			{Behaviour: forwardCompatBehaviourRetry, RetryInterval: 50},
		},
	}

	outcome, wait := checkForwardCompatibility(forwardCompatStageWWCReplacing, fc)
	assert.Equal(t, forwardCompatOutcomeRetry, outcome)
	assert.Equal(t, 50*time.Millisecond, wait)
}

func TestCheckForwardCompatibilityBlocks(t *testing.T) {
	fc := map[string][]ForwardCompatibilityEntry{
		string(forwardCompatStageWWCInserting): {
			{Behaviour: forwardCompatBehaviourBlock},
		},
	}

	outcome, _ := checkForwardCompatibility(forwardCompatStageWWCInserting, fc)
	assert.Equal(t, forwardCompatOutcomeFail, outcome)
}

func TestCheckForwardCompatibilityUnknownBehaviourFailsClosed(t *testing.T) {
	fc := map[string][]ForwardCompatibilityEntry{
		string(forwardCompatStageGetsReadingATR): {
			{Behaviour: "some_future_behaviour_we_dont_understand"},
		},
	}

	outcome, _ := checkForwardCompatibility(forwardCompatStageGetsReadingATR, fc)
	assert.Equal(t, forwardCompatOutcomeFail, outcome, "unrecognized tags must fail closed")
}
