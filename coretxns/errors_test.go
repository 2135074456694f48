package coretxns

import (
	"testing"

	"github.com/couchbase/gocbcore/v9"
	"github.com/stretchr/testify/assert"
)

func TestClassifyErrorMapsKnownStorageErrors(t *testing.T) {
	cases := []struct {
		err   error
		class ErrorClass
	}{
		{gocbcore.ErrDocumentNotFound, ErrorClassFailDocNotFound},
		{gocbcore.ErrDocumentExists, ErrorClassFailDocAlreadyExists},
		{gocbcore.ErrPathNotFound, ErrorClassFailPathNotFound},
		{gocbcore.ErrPathExists, ErrorClassFailPathAlreadyExists},
		{gocbcore.ErrCasMismatch, ErrorClassFailCasMismatch},
		{gocbcore.ErrValueTooLarge, ErrorClassFailHard},
		{gocbcore.ErrTimeout, ErrorClassFailTransient},
		{gocbcore.ErrTemporaryFailure, ErrorClassFailTransient},
		{gocbcore.ErrDurabilityAmbiguous, ErrorClassFailAmbiguous},
		{ErrAtrFull, ErrorClassFailATRFull},
		{ErrAttemptExpired, ErrorClassFailExpiry},
		{ErrWriteWriteConflict, ErrorClassFailWriteWriteConflict},
		{ErrHard, ErrorClassFailHard},
		{ErrAmbiguous, ErrorClassFailAmbiguous},
		{ErrTransient, ErrorClassFailTransient},
	}

	for _, c := range cases {
		got := classifyError(c.err)
		assert.Equal(t, c.class, got.Class, "for error %v", c.err)
		assert.ErrorIs(t, got, c.err)
	}
}

func TestClassifyErrorDefaultsToOther(t *testing.T) {
	got := classifyError(gocbcore.ErrCollectionNotFound)
	assert.Equal(t, ErrorClassFailOther, got.Class)
}

func TestCreateOperationFailedErrorExpiryNeverRetries(t *testing.T) {
	cerr := classifyError(ErrAttemptExpired)
	tfe := createOperationFailedError(operationFailedDef{
		Cerr:   cerr,
		Reason: ErrorReasonTransactionExpired,
	})

	assert.False(t, tfe.Retry())
	assert.Equal(t, ErrorReasonTransactionExpired, tfe.ToRaise())
	assert.Equal(t, ErrorClassFailExpiry, tfe.ErrorClass())
}

func TestCreateOperationFailedErrorHardNeverRetriesOrRollsBack(t *testing.T) {
	cerr := classifyError(ErrHard)
	tfe := createOperationFailedError(operationFailedDef{Cerr: cerr})

	assert.False(t, tfe.Retry())
	assert.False(t, tfe.Rollback())
}

func TestCreateOperationFailedErrorDefaultsRetryableAndRollbackAllowed(t *testing.T) {
	cerr := classifyError(ErrTransient)
	tfe := createOperationFailedError(operationFailedDef{Cerr: cerr})

	assert.True(t, tfe.Retry())
	assert.True(t, tfe.Rollback())
}

func TestCreateOperationFailedErrorRespectsExplicitShouldNotRetry(t *testing.T) {
	cerr := classifyError(ErrTransient)
	tfe := createOperationFailedError(operationFailedDef{Cerr: cerr, ShouldNotRetry: true})

	assert.False(t, tfe.Retry())
}

func TestTransactionOperationFailedErrorUnwraps(t *testing.T) {
	cerr := classifyError(ErrWriteWriteConflict)
	tfe := createOperationFailedError(operationFailedDef{Cerr: cerr})

	assert.ErrorIs(t, tfe, ErrWriteWriteConflict)
}
