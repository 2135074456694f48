package transactions

import (
	"errors"

	coretxns "github.com/couchbaselabs/gocb-transactions/coretxns"
)

var (
	// ErrOther indicates a non-specific error has occurred.
	ErrOther = coretxns.ErrOther

	// ErrTransient indicates a transient error occurred which may succeed at a later point in time.
	ErrTransient = coretxns.ErrTransient

	// ErrWriteWriteConflict indicates that another transaction conflicted with this one.
	ErrWriteWriteConflict = coretxns.ErrWriteWriteConflict

	// ErrHard indicates that an unrecoverable error occurred.
	ErrHard = coretxns.ErrHard

	// ErrAmbiguous indicates that a failure occurred but the outcome was not known.
	ErrAmbiguous = coretxns.ErrAmbiguous

	// ErrAtrFull indicates that the ATR record was too full to accept a new mutation.
	ErrAtrFull = coretxns.ErrAtrFull

	// ErrAttemptExpired indicates an attempt expired.
	ErrAttemptExpired = coretxns.ErrAttemptExpired

	// ErrAtrNotFound indicates that an expected ATR document was missing.
	ErrAtrNotFound = coretxns.ErrAtrNotFound

	// ErrAtrEntryNotFound indicates that an expected ATR entry was missing.
	ErrAtrEntryNotFound = coretxns.ErrAtrEntryNotFound

	// ErrDocAlreadyInTransaction indicates that a document is already in a transaction.
	ErrDocAlreadyInTransaction = coretxns.ErrDocAlreadyInTransaction

	// ErrTransactionAbortedExternally indicates the transaction was aborted externally.
	ErrTransactionAbortedExternally = coretxns.ErrTransactionAbortedExternally

	// ErrPreviousOperationFailed indicates a previous operation in this attempt already failed.
	ErrPreviousOperationFailed = coretxns.ErrPreviousOperationFailed
)

// TransactionFailedError is returned when a transaction fails and
// could not be committed after exhausting its retries.
type TransactionFailedError struct {
	cause  error
	result *Result
}

func (tfe TransactionFailedError) Error() string {
	if tfe.cause == nil {
		return "transaction failed"
	}
	return "transaction failed | " + tfe.cause.Error()
}

func (tfe TransactionFailedError) Unwrap() error {
	return tfe.cause
}

// Result returns the partial result accumulated before failure.
// Internal: This should never be used and is not supported.
func (tfe TransactionFailedError) Result() *Result {
	return tfe.result
}

// TransactionExpiredError is returned when a transaction's expiry
// budget ran out before it could reach a terminal state.
type TransactionExpiredError struct {
	result *Result
}

func (tfe TransactionExpiredError) Error() string {
	return ErrAttemptExpired.Error()
}

func (tfe TransactionExpiredError) Unwrap() error {
	return ErrAttemptExpired
}

// Result returns the partial result accumulated before expiry.
// Internal: This should never be used and is not supported.
func (tfe TransactionExpiredError) Result() *Result {
	return tfe.result
}

// TransactionCommitAmbiguousError is returned when the outcome of the
// ATR-COMMIT mutation that decides a transaction's fate could not be
// determined; the transaction may or may not have committed.
type TransactionCommitAmbiguousError struct {
	cause  error
	result *Result
}

func (tfe TransactionCommitAmbiguousError) Error() string {
	if tfe.cause == nil {
		return "transaction commit ambiguous"
	}
	return "transaction commit ambiguous | " + tfe.cause.Error()
}

func (tfe TransactionCommitAmbiguousError) Unwrap() error {
	return tfe.cause
}

// Result returns the partial result accumulated before the ambiguous failure.
// Internal: This should never be used and is not supported.
func (tfe TransactionCommitAmbiguousError) Result() *Result {
	return tfe.result
}

// TransactionFailedPostCommit is returned when a transaction committed
// successfully but marking the ATR complete then failed; the
// application's writes are safe, but cleanup will need to finish the
// job. Failures to unstage individual documents are only logged and do
// not produce this error.
type TransactionFailedPostCommit struct {
	cause  error
	result *Result
}

func (tfe TransactionFailedPostCommit) Error() string {
	if tfe.cause == nil {
		return "transaction failed post commit"
	}
	return "transaction failed post commit | " + tfe.cause.Error()
}

func (tfe TransactionFailedPostCommit) Unwrap() error {
	return tfe.cause
}

// Result returns the result of the underlying, already-committed transaction.
// Internal: This should never be used and is not supported.
func (tfe TransactionFailedPostCommit) Result() *Result {
	return tfe.result
}

func createTransactionError(result *Result, err error) error {
	var txnErr *TransactionOperationFailedError
	if !errors.As(err, &txnErr) {
		return &TransactionFailedError{cause: err, result: result}
	}

	switch txnErr.ToRaise() {
	case coretxns.ErrorReasonTransactionExpired:
		return &TransactionExpiredError{result: result}
	case coretxns.ErrorReasonTransactionCommitAmbiguous:
		return &TransactionCommitAmbiguousError{cause: txnErr, result: result}
	case coretxns.ErrorReasonTransactionFailedPostCommit:
		return &TransactionFailedPostCommit{cause: txnErr, result: result}
	default:
		return &TransactionFailedError{cause: txnErr, result: result}
	}
}

// TransactionOperationFailedError is raised from every attempt
// operation (Get/Insert/Replace/Remove/Commit/Rollback) that fails.
// Internal: This should never be used and is not supported.
type TransactionOperationFailedError struct {
	shouldRetry       bool
	shouldNotRollback bool
	errorCause        error
	shouldRaise       coretxns.ErrorReason
	errorClass        coretxns.ErrorClass
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
func (tfe *TransactionOperationFailedError) ToRaise() coretxns.ErrorReason {
	return tfe.shouldRaise
}

// ErrorClass is the class of error which caused this error.
func (tfe *TransactionOperationFailedError) ErrorClass() coretxns.ErrorClass {
	return tfe.errorClass
}

func createTransactionOperationFailedError(err error) error {
	if err == nil {
		return nil
	}

	var txnErr *coretxns.TransactionOperationFailedError
	if errors.As(err, &txnErr) {
		return &TransactionOperationFailedError{
			shouldRetry:       txnErr.Retry(),
			shouldNotRollback: !txnErr.Rollback(),
			errorCause:        txnErr.Unwrap(),
			shouldRaise:       txnErr.ToRaise(),
			errorClass:        txnErr.ErrorClass(),
		}
	}

	return &TransactionOperationFailedError{
		errorCause: err,
		errorClass: coretxns.ErrorClassFailOther,
	}
}
