package worker

import (
	"context"
	"log"

	"github.com/studypilot/studypilot/internal/provider"
	"github.com/studypilot/studypilot/internal/store"
)

type jobKey struct{}

type jobRef struct {
	jobID           string
	promptHash      string
	promptTruncated bool
}

// WithJobRef tags the context so recorded model attempts land on the right job.
func WithJobRef(ctx context.Context, jobID, promptHash string, promptTruncated bool) context.Context {
	return context.WithValue(ctx, jobKey{}, jobRef{jobID: jobID, promptHash: promptHash, promptTruncated: promptTruncated})
}

func jobRefFromContext(ctx context.Context) (jobRef, bool) {
	ref, ok := ctx.Value(jobKey{}).(jobRef)
	return ref, ok
}

// ExchangeRecorder persists every model round trip for audit.
type ExchangeRecorder struct {
	store  StoreAPI
	logger *log.Logger
}

// NewExchangeRecorder builds the audit recorder used by the model client.
func NewExchangeRecorder(st StoreAPI, logger *log.Logger) *ExchangeRecorder {
	return &ExchangeRecorder{store: st, logger: logger}
}

// RecordAttempt implements provider.AttemptRecorder. Recording failures are
// logged, never surfaced.
func (r *ExchangeRecorder) RecordAttempt(ctx context.Context, a provider.Attempt) {
	ref, ok := jobRefFromContext(ctx)
	if !ok {
		return
	}
	ex := store.Exchange{
		JobID:           ref.jobID,
		Attempt:         a.Number,
		StatusCode:      a.StatusCode,
		Duration:        a.Duration,
		PromptHash:      ref.promptHash,
		PromptTruncated: ref.promptTruncated,
		Response:        a.Response,
	}
	if a.Err != nil {
		ex.Error = a.Err.Error()
	}
	// Recording must survive a dead job context.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := r.store.InsertExchange(ctx, ex); err != nil {
		r.logger.Printf("warn: record ai exchange for job %s: %v", ref.jobID, err)
	}
}
