/* SPDX-License-Identifier: BSD-2-Clause */

// Package errs defines the sentinel error kinds shared across the cache,
// matching them to the disposition table of the proxy's error handling design.
package errs

import "errors"

var (
	// ErrBadRequest marks a malformed or missing query parameter.
	ErrBadRequest = errors.New("mediacache: bad request")

	// ErrOriginUnavailable marks a failed or non-positive-length origin HEAD.
	ErrOriginUnavailable = errors.New("mediacache: origin unavailable")

	// ErrOriginStream marks a mid-body origin fetch failure or a non-range-
	// honoring 200 where a 206 was required.
	ErrOriginStream = errors.New("mediacache: origin stream error")

	// ErrStorageIO marks a sparse data file open/read/write failure.
	ErrStorageIO = errors.New("mediacache: storage I/O error")

	// ErrMetaCorrupt marks a MetaStore record that failed to parse.
	ErrMetaCorrupt = errors.New("mediacache: corrupt meta record")

	// ErrNotComplete is returned by export/move operations on an unfinished resource.
	ErrNotComplete = errors.New("mediacache: resource not complete")

	// ErrNotInitialized is returned by any API call issued before Init.
	ErrNotInitialized = errors.New("mediacache: handle not initialized")

	// ErrRangeNotSatisfiable marks a Range request with start > end.
	ErrRangeNotSatisfiable = errors.New("mediacache: range not satisfiable")

	// ErrNotFound marks an operation addressed at an unknown id or URL.
	ErrNotFound = errors.New("mediacache: resource not found")
)
