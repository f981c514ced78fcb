package tideline

import "errors"

// Sentinel errors for the failure surface of the sync layer. Callers match
// with errors.Is; the wrapped cause carries the transport detail.
var (
	// ErrFetchFailed covers history queries that never produced data.
	ErrFetchFailed = errors.New("tideline: fetch failed")

	// ErrSendFailed covers message inserts rejected by the backend or lost
	// in transit. The optimistic cache entry is kept with a failed
	// delivery state.
	ErrSendFailed = errors.New("tideline: send failed")

	// ErrUpdateFailed covers read-receipt and other patch writes.
	ErrUpdateFailed = errors.New("tideline: update failed")

	// ErrUploadFailed covers blob uploads. No message is inserted when the
	// upload fails.
	ErrUploadFailed = errors.New("tideline: upload failed")

	// ErrSubscriptionDropped is surfaced when the realtime feed exhausts
	// its reconnect attempts.
	ErrSubscriptionDropped = errors.New("tideline: subscription dropped")
)
