/* SPDX-License-Identifier: BSD-2-Clause */

// Package hybrid implements the loopback HTTP server that answers
// GET /stream?url=… by interleaving reads from a local cache with
// tee'd fetches from the origin. It is grounded on two pack files:
// gideonsigilai-media-server's stream_handler.go for the overall shape of
// a Range-aware HTTP handler (header parsing, Content-Range/Accept-Ranges
// response headers, buffer-pooled body writes), and
// danielloader-oci-pull-through's proxy.go handleGet, whose cache-miss →
// upstream-fetch → simultaneously-write-to-client-and-store idiom is
// generalized here from a single-shot tee into the chunked, resumable
// fetch-write-insert-release loop the hybrid server requires.
package hybrid

import (
	"context"

	"github.com/bilbilaki/down-stream/origin"
	"github.com/bilbilaki/down-stream/rangeset"
)

// Resource is everything the hybrid loop needs from a cached resource,
// implemented by manager.Resource. Defining it here (rather than importing
// manager) keeps hybrid free of a dependency on the lifecycle manager.
type Resource interface {
	ID() string
	TotalSize() int64
	MimeType() string
	// SetMimeType records a mime type discovered late (by sniffing the
	// first fetched bytes) when the origin's HEAD never declared one, or
	// declared only a generic placeholder.
	SetMimeType(mime string)
	CachedSet() rangeset.Set
	Source() origin.Source

	// Lock/Unlock guard the data file and the cached_set for a single
	// I/O operation. The hybrid loop acquires and releases this once per
	// chunk, never across a whole request.
	Lock()
	Unlock()

	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// TouchSave (re)schedules this resource's debounced MetaStore save.
	TouchSave()

	// EnsureCompleterStarted enqueues the background gap-filler for this
	// resource the first time a live request observes it; subsequent
	// calls are no-ops.
	EnsureCompleterStarted()
}

// Store resolves an origin URL to its Resource, creating one (and issuing
// the origin HEAD) on first sight, and publishes progress updates.
type Store interface {
	Resolve(ctx context.Context, originURL string) (Resource, error)
	PublishProgress(originURL string, progress float64)
}
