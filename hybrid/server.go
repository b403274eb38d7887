/* SPDX-License-Identifier: BSD-2-Clause */

package hybrid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/bilbilaki/down-stream/internal/errs"
	"github.com/bilbilaki/down-stream/internal/logutil"
	"github.com/bilbilaki/down-stream/internal/mimesniff"
)

// chunkSize is the hybrid loop's window (CHUNK in the design): the unit at
// which the loop decides cache-read vs. origin-fetch.
const chunkSize = 1 << 20

// copyBufferSize is the sub-chunk size used when draining an origin fetch
// and tee-writing to the response and the data file; grounded on the
// media-server handler's 64 KiB sync.Pool buffers (createBufferPool),
// halved here since a fetched window is already bounded by chunkSize.
const copyBufferSize = 32 * 1024

var bufferPool = sync.Pool{New: func() any { return make([]byte, copyBufferSize) }}

// Server is the loopback HTTP server implementing GET /stream?url=….
type Server struct {
	store Store
	log   *slog.Logger
}

// NewServer constructs a Server backed by store. A nil logger discards
// output.
func NewServer(store Store, log *slog.Logger) *Server {
	if log == nil {
		log = logutil.Noop()
	}
	return &Server{store: store, log: log}
}

// Handler returns the http.Handler to bind on 127.0.0.1:<port>.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	return mux
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	originURL := r.URL.Query().Get("url")
	if originURL == "" {
		http.Error(w, "missing url parameter", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	res, err := s.store.Resolve(ctx, originURL)
	if err != nil {
		s.log.Error("resolve failed", "url", originURL, "err", err)
		switch {
		case errors.Is(err, errs.ErrOriginUnavailable):
			http.Error(w, "origin unavailable", http.StatusBadGateway)
		case errors.Is(err, errs.ErrBadRequest):
			http.Error(w, "bad request", http.StatusBadRequest)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	total := res.TotalSize()
	start, end, ok := parseRange(r.Header.Get("Range"), total)
	if !ok {
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	mime := res.MimeType()
	if mime == "" {
		mime = "video/mp4"
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	w.WriteHeader(http.StatusPartialContent)

	if err := s.serveHybridLoop(ctx, w, res, start, end); err != nil {
		s.log.Warn("hybrid loop aborted", "url", originURL, "err", err)
		return
	}

	res.TouchSave()
	s.store.PublishProgress(originURL, res.CachedSet().Progress())
	res.EnsureCompleterStarted()
}

// parseRange parses a Range header of the form "bytes=s-e" or "bytes=s-".
// A missing or unparseable header is treated as "bytes=0-" per the request
// state machine. end is clamped to total-1; ok is false only when s > end
// after clamping (416).
func parseRange(hdr string, total int64) (start, end int64, ok bool) {
	start, end = 0, total-1
	hdr = strings.TrimSpace(hdr)
	if hdr == "" {
		return start, end, true
	}
	spec, found := strings.CutPrefix(hdr, "bytes=")
	if !found {
		return start, end, true
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return start, end, true
	}
	s, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return start, end, true
	}
	start = s
	if parts[1] != "" {
		e, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err == nil {
			end = e
		}
	}
	if end > total-1 {
		end = total - 1
	}
	if start > end {
		return 0, 0, false
	}
	return start, end, true
}

// serveHybridLoop writes [start,end] to w in strictly increasing order,
// serving cached windows from disk and uncached windows by fetching from
// origin and tee-writing to both the response and the data file.
func (s *Server) serveHybridLoop(ctx context.Context, w http.ResponseWriter, res Resource, start, end int64) error {
	cached := res.CachedSet()
	pos := start
	for pos <= end {
		winEnd := pos + chunkSize - 1
		if winEnd > end {
			winEnd = end
		}

		if cached.Contains(pos, winEnd) {
			if err := s.serveCachedWindow(w, res, pos, winEnd); err != nil {
				return err
			}
		} else {
			if err := s.serveFetchedWindow(ctx, w, res, pos, winEnd); err != nil {
				return fmt.Errorf("%w: %v", errs.ErrOriginStream, err)
			}
		}
		pos = winEnd + 1
	}
	return nil
}

func (s *Server) serveCachedWindow(w http.ResponseWriter, res Resource, start, end int64) error {
	buf := make([]byte, end-start+1)
	res.Lock()
	n, err := res.ReadAt(buf, start)
	res.Unlock()
	if err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", errs.ErrStorageIO, err)
	}
	_, werr := w.Write(buf[:n])
	return werr
}

func (s *Server) serveFetchedWindow(ctx context.Context, w http.ResponseWriter, res Resource, start, end int64) error {
	rc, err := res.Source().Fetch(ctx, start, end)
	if err != nil {
		return err
	}
	defer rc.Close()

	buf := bufferPool.Get().([]byte)
	defer bufferPool.Put(buf)

	off := start
	firstChunk := off == 0
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if firstChunk {
				s.sniffMimeIfNeeded(res, chunk)
				firstChunk = false
			}
			if _, werr := w.Write(chunk); werr != nil {
				return werr
			}
			res.Lock()
			_, werr := res.WriteAt(chunk, off)
			if werr == nil {
				res.CachedSet().Insert(off, off+int64(n)-1)
			}
			res.Unlock()
			if werr != nil {
				return fmt.Errorf("%w: %v", errs.ErrStorageIO, werr)
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// sniffMimeIfNeeded fills in res's mime type from the magic bytes of chunk
// when the origin's HEAD left it empty or only declared the generic
// "application/octet-stream" placeholder.
func (s *Server) sniffMimeIfNeeded(res Resource, chunk []byte) {
	mime := res.MimeType()
	if mime != "" && mime != "application/octet-stream" {
		return
	}
	if sniffed := mimesniff.Sniff(chunk); sniffed != "" {
		res.SetMimeType(sniffed)
	}
}
