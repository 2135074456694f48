package coretxns

import (
	"github.com/opentracing/opentracing-go"
)

// tracerOrNoop lets every call site use a tracer unconditionally without
// nil-checking the configured one first.
func tracerOrNoop(t opentracing.Tracer) opentracing.Tracer {
	if t == nil {
		return opentracing.NoopTracer{}
	}
	return t
}

// startAttemptSpan opens the root span covering one attempt, tagged
// with the identifiers a trace viewer needs to correlate it back to the
// owning transaction.
func startAttemptSpan(tracer opentracing.Tracer, txnID, attemptID string) opentracing.Span {
	span := tracerOrNoop(tracer).StartSpan("transaction_attempt")
	span.SetTag("transaction_id", txnID)
	span.SetTag("attempt_id", attemptID)
	return span
}

// startOpSpan opens a child span for a single KV operation performed
// during an attempt, per the suspension points named in §5.
func (ac *AttemptContext) startOpSpan(name, docID string) opentracing.Span {
	tracer := tracerOrNoop(ac.config.Tracer)
	var opts []opentracing.StartSpanOption
	if ac.span != nil {
		opts = append(opts, opentracing.ChildOf(ac.span.Context()))
	}
	span := tracer.StartSpan(name, opts...)
	if docID != "" {
		span.SetTag("doc_id", docID)
	}
	return span
}
