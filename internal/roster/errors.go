package roster

import "errors"

var (
	// ErrRetrievalFailed is returned once every attempt to get data from
	// the roster service was used up.
	ErrRetrievalFailed = errors.New("roster retrieval failed")
	// ErrNotReady means an asynchronous export is still being prepared.
	ErrNotReady = errors.New("roster export is not ready yet")

	errEmptyBody = errors.New("empty response body")
	errJobFailed = errors.New("roster export failed")
)
