/* SPDX-License-Identifier: BSD-2-Clause */

// Package manager owns the resource registry: Resource lifecycle, the
// completer's background gap-fill, startup validation, promotion, and the
// full programmatic surface (init/list/remove/export/move/…) consumed by
// the embedding application. Grounded on APTlantis-Mirror-Crates'
// Downloader (worker-pool download loop with retry and atomic rename, see
// downloader.go) and rsc-cloud/diskcache's .meta/.data file-pair handling
// (cache.go), generalized from "download a file once" to "keep a
// resumable, servable cache entry per resource".
package manager

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/bilbilaki/down-stream/internal/mimesniff"
	"github.com/bilbilaki/down-stream/metastore"
	"github.com/bilbilaki/down-stream/origin"
	"github.com/bilbilaki/down-stream/rangeset"
)

// Resource is one cached URL: its attributes, its RangeSet, its data file,
// and the synchronization needed to serve it concurrently from the hybrid
// server and the completer. It implements hybrid.Resource.
type Resource struct {
	id              string
	originURL       string
	totalSize       int64
	mimeType        string
	fileName        string
	promotionTarget string

	cachedSet rangeset.Set
	source    origin.Source

	dataPath string
	file     *os.File

	mu sync.Mutex // guards file I/O + cachedSet mutation as one unit

	debouncer *metastore.Debouncer

	alive            atomic.Bool
	completerStarted atomic.Bool
	promoted         atomic.Bool

	mgr *Handle
	log *slog.Logger
}

func (r *Resource) ID() string              { return r.id }
func (r *Resource) TotalSize() int64        { return r.totalSize }
func (r *Resource) MimeType() string        { return r.mimeType }
func (r *Resource) CachedSet() rangeset.Set { return r.cachedSet }

// SetMimeType records a mime type discovered after the origin's HEAD ran
// (typically a signature sniff of the first fetched bytes), overwriting an
// empty or generic placeholder and scheduling a save so the correction
// survives a restart.
func (r *Resource) SetMimeType(mime string) {
	r.mu.Lock()
	if r.mimeType == mime {
		r.mu.Unlock()
		return
	}
	r.mimeType = mime
	r.mu.Unlock()
	r.TouchSave()
}
func (r *Resource) Source() origin.Source   { return r.source }
func (r *Resource) Lock()                   { r.mu.Lock() }
func (r *Resource) Unlock()                 { r.mu.Unlock() }

// ReadAt reads from the data file at an absolute offset. Go's os.File.ReadAt
// is implemented with pread, so no explicit seek is needed and no other
// reader's file position is disturbed. A promoted resource has already
// closed its writable handle (its bytes live at the collections path now),
// so ReadAt reopens it read-only on demand; the caller holds r.mu for the
// duration, so this never races a concurrent promotion.
func (r *Resource) ReadAt(p []byte, off int64) (int, error) {
	if r.file == nil {
		f, err := os.Open(r.dataPath)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		return f.ReadAt(p, off)
	}
	return r.file.ReadAt(p, off)
}

// WriteAt writes to the sparse data file at an absolute offset via pwrite,
// the same "no shared seek position" property ReadAt relies on.
func (r *Resource) WriteAt(p []byte, off int64) (int, error) {
	return r.file.WriteAt(p, off)
}

// TouchSave (re)schedules this resource's debounced MetaStore save. A
// resumed-but-not-yet-live resource has no debouncer; save it once,
// immediately, rather than silently dropping the mutation.
func (r *Resource) TouchSave() {
	if r.debouncer == nil {
		r.mgr.saveResource(r)
		return
	}
	r.debouncer.Touch()
}

// EnsureCompleterStarted enqueues the background gap-filler exactly once
// per Resource lifetime (until it next exits and is re-armed by a
// subsequent live request or explicit resume). A already-promoted resource
// has nothing left to fill and is not re-armed.
func (r *Resource) EnsureCompleterStarted() {
	if r.promoted.Load() {
		return
	}
	if r.completerStarted.CompareAndSwap(false, true) {
		r.mgr.startCompleter(r)
	}
}

// IsComplete reports whether cached_set covers the whole resource.
func (r *Resource) IsComplete() bool { return r.cachedSet.IsComplete() }

// Progress returns 100 * bytes-present / total_size.
func (r *Resource) Progress() float64 { return r.cachedSet.Progress() }

// suggestedName computes the resource's preferred file name from
// file_name -> origin_url -> mime_type, in that precedence, per the data
// model's derived "suggested_name, extension" attributes.
func (r *Resource) suggestedName() string {
	if r.fileName != "" {
		return r.fileName
	}
	if base := filepath.Base(r.originURL); base != "." && base != "/" && base != "" {
		return base
	}
	return r.id + mimesniff.ExtensionFor(r.mimeType)
}

// extension computes the resource's preferred extension using the same
// precedence as suggestedName.
func (r *Resource) extension() string {
	if r.fileName != "" {
		if ext := filepath.Ext(r.fileName); ext != "" {
			return ext
		}
	}
	if base := filepath.Base(r.originURL); base != "" {
		if ext := filepath.Ext(base); ext != "" {
			return ext
		}
	}
	return mimesniff.ExtensionFor(r.mimeType)
}

// saveRecord builds the metastore.Record snapshot for this Resource,
// called under r.mu by the debounced save path.
func (r *Resource) saveRecord() metastore.Record {
	return metastore.Record{
		ID:          r.id,
		TotalSize:   r.totalSize,
		OriginalURL: r.originURL,
		MimeType:    r.mimeType,
		FileName:    r.fileName,
		TargetPath:  r.promotionTarget,
		RangeSet:    r.cachedSet,
	}
}

func (r *Resource) close() {
	if r.debouncer != nil {
		r.debouncer.Stop()
	}
	if r.source != nil {
		r.source.Dispose()
	}
	if r.file != nil {
		r.file.Close()
	}
}
