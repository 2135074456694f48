package coretxns

import (
	"errors"
	"fmt"

	"github.com/couchbase/gocbcore/v9"
)

// ErrorClass is the abstract failure class that every storage-level
// error gets mapped into, per §4.1.
type ErrorClass int

const (
	ErrorClassFailOther ErrorClass = iota
	ErrorClassFailTransient
	ErrorClassFailDocNotFound
	ErrorClassFailDocAlreadyExists
	ErrorClassFailPathNotFound
	ErrorClassFailPathAlreadyExists
	ErrorClassFailCasMismatch
	ErrorClassFailWriteWriteConflict
	ErrorClassFailATRFull
	ErrorClassFailHard
	ErrorClassFailAmbiguous
	ErrorClassFailExpiry
)

// ErrorReason is the high level reason the transaction runner surfaces
// to the application, per §4.8.
type ErrorReason int

const (
	ErrorReasonTransactionFailed ErrorReason = iota
	ErrorReasonTransactionExpired
	ErrorReasonTransactionCommitAmbiguous
	ErrorReasonTransactionFailedPostCommit
)

var (
	// ErrOther indicates a non-specific error has occurred.
	ErrOther = errors.New("other error")

	// ErrTransient indicates a transient error occurred which may succeed at a later point in time.
	ErrTransient = errors.New("transient error")

	// ErrWriteWriteConflict indicates that another transaction conflicted with this one.
	ErrWriteWriteConflict = errors.New("write write conflict")

	// ErrHard indicates that an unrecoverable error occurred.
	ErrHard = errors.New("hard error")

	// ErrAmbiguous indicates that a failure occurred but the outcome was not known.
	ErrAmbiguous = errors.New("ambiguous error")

	// ErrAtrFull indicates that the ATR record was too full to accept a new mutation.
	ErrAtrFull = errors.New("atr full")

	// ErrAttemptExpired indicates an attempt expired.
	ErrAttemptExpired = errors.New("attempt expired")

	// ErrAtrNotFound indicates that an expected ATR document was missing.
	ErrAtrNotFound = errors.New("atr not found")

	// ErrAtrEntryNotFound indicates that an expected ATR entry was missing.
	ErrAtrEntryNotFound = errors.New("atr entry not found")

	// ErrUhOh is used to describe errors that haven't yet been categorized.
	ErrUhOh = errors.New("uh oh")

	// ErrDocAlreadyInTransaction indicates that a document is already in a transaction.
	ErrDocAlreadyInTransaction = errors.New("document already in transaction")

	// ErrTransactionAbortedExternally indicates the transaction was aborted externally.
	ErrTransactionAbortedExternally = errors.New("transaction aborted externally")

	// ErrPreviousOperationFailed indicates a previous operation in this attempt already failed.
	ErrPreviousOperationFailed = errors.New("previous operation failed")

	// ErrForwardCompatibilityFailure indicates the forward-compat gate refused the operation.
	ErrForwardCompatibilityFailure = errors.New("forward compatibility failure")

	// ErrIllegalState indicates an operation was attempted in a state that does not permit it.
	ErrIllegalState = errors.New("illegal state")

	// ErrDocumentNotFound mirrors the consumed KV surface's not-found error.
	ErrDocumentNotFound = gocbcore.ErrDocumentNotFound

	// ErrDocumentAlreadyExists mirrors the consumed KV surface's already-exists error.
	ErrDocumentAlreadyExists = gocbcore.ErrDocumentExists

	// ErrCasMismatch mirrors the consumed KV surface's CAS mismatch error.
	ErrCasMismatch = gocbcore.ErrCasMismatch

	// ErrPathNotFound mirrors the consumed KV surface's sub-document path-not-found error.
	ErrPathNotFound = gocbcore.ErrPathNotFound

	// ErrPathExists mirrors the consumed KV surface's sub-document path-exists error.
	ErrPathExists = gocbcore.ErrPathExists
)

// classifiedError pairs a cause with the error class it was mapped to.
type classifiedError struct {
	Source error
	Class  ErrorClass
}

func (ce *classifiedError) Error() string {
	return fmt.Sprintf("%s (class: %d)", ce.Source.Error(), ce.Class)
}

func (ce *classifiedError) Unwrap() error {
	return ce.Source
}

// classifyError maps a storage-level error into the abstract failure
// class taxonomy consumed by every upper layer. This is the sole §4.1
// error-class mapper; no call site is permitted to branch on the raw
// storage error directly.
func classifyError(err error) *classifiedError {
	ec := ErrorClassFailOther
	switch {
	case errors.Is(err, gocbcore.ErrDocumentNotFound):
		ec = ErrorClassFailDocNotFound
	case errors.Is(err, gocbcore.ErrDocumentExists):
		ec = ErrorClassFailDocAlreadyExists
	case errors.Is(err, gocbcore.ErrPathNotFound):
		ec = ErrorClassFailPathNotFound
	case errors.Is(err, gocbcore.ErrPathExists):
		ec = ErrorClassFailPathAlreadyExists
	case errors.Is(err, gocbcore.ErrCasMismatch):
		ec = ErrorClassFailCasMismatch
	case errors.Is(err, gocbcore.ErrValueTooLarge):
		ec = ErrorClassFailHard
	case errors.Is(err, gocbcore.ErrTimeout):
		ec = ErrorClassFailTransient
	case errors.Is(err, gocbcore.ErrTemporaryFailure), errors.Is(err, gocbcore.ErrMemdOutOfMemory),
		errors.Is(err, gocbcore.ErrMemdBusy), errors.Is(err, gocbcore.ErrOverload):
		ec = ErrorClassFailTransient
	case errors.Is(err, gocbcore.ErrDurabilityAmbiguous), errors.Is(err, gocbcore.ErrAmbiguousTimeout):
		ec = ErrorClassFailAmbiguous
	case errors.Is(err, ErrAtrFull):
		ec = ErrorClassFailATRFull
	case errors.Is(err, ErrAttemptExpired):
		ec = ErrorClassFailExpiry
	case errors.Is(err, ErrWriteWriteConflict):
		ec = ErrorClassFailWriteWriteConflict
	case errors.Is(err, ErrHard):
		ec = ErrorClassFailHard
	case errors.Is(err, ErrAmbiguous):
		ec = ErrorClassFailAmbiguous
	case errors.Is(err, ErrTransient):
		ec = ErrorClassFailTransient
	}

	return &classifiedError{
		Source: err,
		Class:  ec,
	}
}

// classifyHookError lets a test hook's injected error masquerade as a
// classified storage error, per §7's pseudo-error hook points.
func classifyHookError(err error) *classifiedError {
	return classifyError(err)
}

// TransactionOperationFailedError is raised from every attempt
// operation that fails; it carries the three orthogonal
// classifications described in §7: retryable, rollback-allowed, and
// ambiguous.
type TransactionOperationFailedError struct {
	shouldRetry       bool
	shouldNotRollback bool
	errorCause        error
	shouldRaise       ErrorReason
	errorClass        ErrorClass
}

func (tfe *TransactionOperationFailedError) Error() string {
	if tfe.errorCause == nil {
		return "transaction operation failed"
	}
	return "transaction operation failed | " + tfe.errorCause.Error()
}

func (tfe *TransactionOperationFailedError) Unwrap() error {
	return tfe.errorCause
}

// Retry signals whether the runner may retry the whole attempt.
func (tfe *TransactionOperationFailedError) Retry() bool {
	return tfe.shouldRetry
}

// Rollback signals whether rollback should be attempted before returning.
func (tfe *TransactionOperationFailedError) Rollback() bool {
	return !tfe.shouldNotRollback
}

// ToRaise signals which error type should be raised to the application.
func (tfe *TransactionOperationFailedError) ToRaise() ErrorReason {
	return tfe.shouldRaise
}

// ErrorClass is the class of error which caused this error.
func (tfe *TransactionOperationFailedError) ErrorClass() ErrorClass {
	return tfe.errorClass
}

// operationFailedDef is the input to createOperationFailedError; it
// mirrors the def-struct convention the teacher's wrapped library uses
// to keep call sites terse despite four independent knobs.
type operationFailedDef struct {
	Cerr              *classifiedError
	ShouldNotRetry    bool
	ShouldNotRollback bool
	Reason            ErrorReason
}

func createOperationFailedError(def operationFailedDef) *TransactionOperationFailedError {
	shouldRetry := !def.ShouldNotRetry
	errClass := ErrorClassFailOther
	var cause error = ErrOther
	if def.Cerr != nil {
		errClass = def.Cerr.Class
		cause = def.Cerr.Source

		switch errClass {
		case ErrorClassFailExpiry:
			shouldRetry = false
		case ErrorClassFailHard:
			shouldRetry = false
			def.ShouldNotRollback = true
		}
	}

	return &TransactionOperationFailedError{
		shouldRetry:       shouldRetry,
		shouldNotRollback: def.ShouldNotRollback,
		errorCause:        cause,
		shouldRaise:       def.Reason,
		errorClass:        errClass,
	}
}
