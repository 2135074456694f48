package coretxns

import "time"

// ForwardCompatibilityEntry is one entry in a forward-compat tag map,
// letting a future protocol version advertise a constraint to current
// clients: block, retry (with an optional server-supplied delay), or
// fail outright.
type ForwardCompatibilityEntry struct {
	ProtocolVersion   string `json:"p,omitempty"`
	ProtocolExtension string `json:"e,omitempty"`
	Behaviour         string `json:"b,omitempty"`
	RetryInterval     int    `json:"ra,omitempty"`
}

const (
	forwardCompatBehaviourBlock = "block"
	forwardCompatBehaviourRetry = "retry"
)

// forwardCompatStage names one of the fixed decision points at which
// the gate is consulted, per §4.4.
type forwardCompatStage string

const (
	forwardCompatStageWWCReadingATR  forwardCompatStage = "WWC_READING_ATR"
	forwardCompatStageWWCReplacing   forwardCompatStage = "WWC_REPLACING"
	forwardCompatStageWWCRemoving    forwardCompatStage = "WWC_REMOVING"
	forwardCompatStageWWCInserting   forwardCompatStage = "WWC_INSERTING"
	forwardCompatStageWWCInsertingGet forwardCompatStage = "WWC_INSERTING_GET"
	forwardCompatStageGets           forwardCompatStage = "GETS"
	forwardCompatStageGetsReadingATR forwardCompatStage = "GETS_READING_ATR"
	forwardCompatStageCleanupEntry   forwardCompatStage = "CLEANUP_ENTRY"
)

// forwardCompatOutcome is the gate's verdict for a single check.
type forwardCompatOutcome int

const (
	forwardCompatOutcomeProceed forwardCompatOutcome = iota
	forwardCompatOutcomeRetry
	forwardCompatOutcomeFail
)

// checkForwardCompatibility evaluates the forward_compat map found on
// a foreign ATR entry or staged document at one of the named
// decision points. Unknown tags default to fail-closed, per §4.4.
func checkForwardCompatibility(stage forwardCompatStage, fc map[string][]ForwardCompatibilityEntry) (forwardCompatOutcome, time.Duration) {
	if len(fc) == 0 {
		return forwardCompatOutcomeProceed, 0
	}

	entries, ok := fc[string(stage)]
	if !ok || len(entries) == 0 {
		return forwardCompatOutcomeProceed, 0
	}

	for _, entry := range entries {
		switch entry.Behaviour {
		case forwardCompatBehaviourRetry:
			return forwardCompatOutcomeRetry, time.Duration(entry.RetryInterval) * time.Millisecond
		case forwardCompatBehaviourBlock:
			return forwardCompatOutcomeFail, 0
		default:
			// Unknown behaviour advertised by a newer protocol: fail
			// closed rather than risk violating an invariant we don't
			// understand yet.
			return forwardCompatOutcomeFail, 0
		}
	}

	return forwardCompatOutcomeProceed, 0
}
