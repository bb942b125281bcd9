package kagami

import "context"

// Extractor turns conversational text into candidate facts. When provided
// via WithExtractor it replaces the built-in OpenAI-compatible HTTP client.
// The engine sanitizes and truncates text before calling Extract; the
// implementation only parses.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (ExtractionResult, error)
}

// Listener receives profile lifecycle events. Listeners run synchronously in
// registration order relative to the write that caused the event; panics are
// recovered and logged and do not propagate to the caller.
type Listener interface {
	OnUpdate(UpdateEvent)
	OnConflict(ConflictEvent)
	OnObserveComplete(ObserveCompleteEvent)
}
