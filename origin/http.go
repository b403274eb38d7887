/* SPDX-License-Identifier: BSD-2-Clause */

package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/net/proxy"

	"github.com/bilbilaki/down-stream/internal/errs"
	"github.com/bilbilaki/down-stream/internal/logutil"
	"github.com/bilbilaki/down-stream/internal/mimesniff"
)

const maxRedirects = 5

// Config configures an HTTP Source. Headers provides the mandatory
// extra-header map for the header-augmented source variant; for the plain
// HTTP source variant it is simply left empty. This mirrors the teacher's
// constructor-parameter style (NewReaderAt(url, client)) rather than a
// config-file layer.
type Config struct {
	URL       string
	UserAgent string
	Headers   map[string]string

	// ProxyURL, if set, is an "http://" or "socks5://" URL for a forward
	// proxy. ProxyUsername/ProxyPassword supply optional basic
	// credentials for it.
	ProxyURL      string
	ProxyUsername string
	ProxyPassword string

	Logger *slog.Logger
}

// HTTPSource is the HTTP/header-augmented OriginSource implementation.
// Grounded on the teacher's ReaderAtHTTP (httpseek.go): the HEAD-based
// sizing and Accept-Ranges handling of NewReaderAt become Head; the
// Range-header GET of ReadAtContext becomes Fetch, generalized to return a
// stream instead of filling a caller buffer.
type HTTPSource struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger

	statMu sync.Mutex
	stat   Stat
	statOK bool
	meta   httpMeta

	fileStatOnce sync.Once
	fileStatCh   chan FileStat

	fetchMu         sync.Mutex
	fetchBroadcasts map[string]*fetchBroadcast

	mu         sync.Mutex
	cancelFunc context.CancelFunc
	disposed   bool
}

type httpMeta struct {
	etag         string
	lastModified string
}

// NewHTTPSource builds an HTTPSource for cfg.URL. If cfg.ProxyURL is set,
// it is wired into the transport (HTTP via the transport's Proxy field and
// http.ProxyURL, SOCKS5 via a golang.org/x/net/proxy.SOCKS5 dialer) — no
// teacher file configures a forward proxy, so this is grounded on the
// x/net/proxy package's standard dialer-construction pattern.
func NewHTTPSource(cfg Config) (*HTTPSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: empty origin URL", errs.ErrBadRequest)
	}
	if cfg.Logger == nil {
		cfg.Logger = logutil.Noop()
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}

	return &HTTPSource{
		cfg:             cfg,
		client:          &http.Client{Transport: transport, CheckRedirect: limitRedirects},
		log:             cfg.Logger,
		fileStatCh:      make(chan FileStat, 1),
		fetchBroadcasts: make(map[string]*fetchBroadcast),
	}, nil
}

func buildTransport(cfg Config) (http.RoundTripper, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL == "" {
		return base, nil
	}

	pu, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid proxy URL: %v", errs.ErrBadRequest, err)
	}

	switch pu.Scheme {
	case "http", "https":
		if cfg.ProxyUsername != "" {
			pu.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
		}
		base.Proxy = http.ProxyURL(pu)
		return base, nil
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if cfg.ProxyUsername != "" {
			auth = &proxy.Auth{User: cfg.ProxyUsername, Password: cfg.ProxyPassword}
		}
		dialer, err := proxy.SOCKS5("tcp", pu.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("%w: socks5 dialer: %v", errs.ErrBadRequest, err)
		}
		base.DialContext = nil
		base.Dial = dialer.Dial
		return base, nil
	default:
		return nil, fmt.Errorf("%w: unsupported proxy scheme %q", errs.ErrBadRequest, pu.Scheme)
	}
}

func limitRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("origin: stopped after %d redirects", maxRedirects)
	}
	// Re-apply Range and any custom headers on the redirected request;
	// Go's client already copies the method and body, but not headers
	// set by the caller on the original request object.
	if len(via) > 0 {
		for k, v := range via[0].Header {
			if _, ok := req.Header[k]; !ok {
				req.Header[k] = v
			}
		}
	}
	return nil
}

func (s *HTTPSource) applyHeaders(req *http.Request) {
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
}

// Head issues the upstream HEAD until one succeeds; the first positive
// Stat is cached and replayed by later calls. A failed HEAD is not cached,
// so the next call issues it again.
func (s *HTTPSource) Head(ctx context.Context) (Stat, error) {
	s.statMu.Lock()
	defer s.statMu.Unlock()
	if s.statOK {
		return s.stat, nil
	}
	stat, err := s.doHead(ctx)
	if err != nil {
		return Stat{}, err
	}
	s.stat, s.statOK = stat, true
	return stat, nil
}

func (s *HTTPSource) doHead(ctx context.Context) (Stat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.cfg.URL, nil)
	if err != nil {
		return Stat{}, fmt.Errorf("%w: building HEAD: %v", errs.ErrOriginUnavailable, err)
	}
	s.applyHeaders(req)
	logutil.DumpRequest(s.log, req)

	resp, err := s.client.Do(req)
	if err != nil {
		return Stat{}, fmt.Errorf("%w: HEAD %s: %v", errs.ErrOriginUnavailable, s.cfg.URL, err)
	}
	defer resp.Body.Close()
	logutil.DumpResponse(s.log, resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Stat{}, fmt.Errorf("%w: HEAD %s returned %s", errs.ErrOriginUnavailable, s.cfg.URL, resp.Status)
	}

	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size <= 0 {
		return Stat{}, fmt.Errorf("%w: HEAD %s: non-positive or missing Content-Length", errs.ErrOriginUnavailable, s.cfg.URL)
	}

	s.meta = httpMeta{etag: resp.Header.Get("ETag"), lastModified: resp.Header.Get("Last-Modified")}

	mimeType := resp.Header.Get("Content-Type")
	disposition := resp.Header.Get("Content-Disposition")

	stat := Stat{TotalSize: size, MimeType: mimeType, ContentDisposition: disposition}
	s.publishFileStat(stat, disposition)
	return stat, nil
}

func (s *HTTPSource) publishFileStat(stat Stat, disposition string) {
	s.fileStatOnce.Do(func() {
		fileName := parseFilename(disposition)
		if fileName == "" {
			fileName = filenameFromURL(s.cfg.URL)
		}
		mime := stat.MimeType
		ext := mimesniff.ExtensionFor(mime)
		fs := FileStat{FileName: fileName, TotalSize: stat.TotalSize, MimeType: mime, Extension: ext}
		select {
		case s.fileStatCh <- fs:
		default:
		}
	})
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segs := splitLast(u.Path, '/')
	return segs
}

func splitLast(path string, sep byte) string {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == sep {
			idx = i
			break
		}
	}
	return path[idx+1:]
}

// fetchBroadcast tees one upstream GET to every caller that asked for the
// same byte range while it was in flight, so a live request racing the
// completer on the same gap collapses into a single origin request without
// ever buffering the response. Grounded on the teacher's CachedRangeTransport
// (rangecache.go), whose single-flight dedup this generalizes from a
// filled-buffer cache entry to a multi-reader live stream via io.Pipe.
type fetchBroadcast struct {
	ready     chan struct{}
	readyOnce sync.Once
	err       error

	mu      sync.Mutex
	readers []*io.PipeWriter
	closed  bool
}

func newFetchBroadcast() *fetchBroadcast {
	return &fetchBroadcast{ready: make(chan struct{})}
}

// join registers a new reader. Callers joining after the broadcast has
// already closed get a reader that immediately replays the terminal error
// (or EOF).
func (b *fetchBroadcast) join() *io.PipeReader {
	pr, pw := io.Pipe()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		pw.CloseWithError(b.err)
		return pr
	}
	b.readers = append(b.readers, pw)
	b.mu.Unlock()
	return pr
}

// markReady unblocks every Fetch call waiting on this key. err is non-nil
// only when the upstream request itself (status line, not body) failed.
func (b *fetchBroadcast) markReady(err error) {
	b.readyOnce.Do(func() {
		b.err = err
		close(b.ready)
	})
}

// write fans p out to every live reader, dropping any whose PipeReader was
// closed early by its owner losing interest. It reports whether any reader
// is still alive; once none are, the fetch loop stops pulling from origin.
func (b *fetchBroadcast) write(p []byte) bool {
	b.mu.Lock()
	readers := b.readers
	b.mu.Unlock()

	alive := readers[:0]
	for _, w := range readers {
		if _, err := w.Write(p); err == nil {
			alive = append(alive, w)
		}
	}
	b.mu.Lock()
	b.readers = alive
	b.mu.Unlock()
	return len(alive) > 0
}

func (b *fetchBroadcast) finish(err error) {
	b.markReady(err)
	b.mu.Lock()
	b.closed = true
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()
	for _, w := range readers {
		w.CloseWithError(err)
	}
}

// Fetch opens a Range GET for [start,end] and returns the live response
// body as a stream the caller must Close; closing early drops that
// caller's interest without affecting a concurrent duplicate Fetch for the
// same range, which is teed from the same upstream request via
// fetchBroadcast.
func (s *HTTPSource) Fetch(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	key := fmt.Sprintf("%d-%d", start, end)

	s.fetchMu.Lock()
	bc, exists := s.fetchBroadcasts[key]
	var reader *io.PipeReader
	if exists {
		reader = bc.join()
		s.fetchMu.Unlock()
	} else {
		bc = newFetchBroadcast()
		reader = bc.join()
		s.fetchBroadcasts[key] = bc
		s.fetchMu.Unlock()
		go s.runFetch(ctx, start, end, key, bc)
	}

	<-bc.ready
	if bc.err != nil {
		reader.Close()
		return nil, bc.err
	}
	return reader, nil
}

// runFetch performs the one upstream GET for key and streams its body into
// bc chunk by chunk, never holding the whole range in memory.
func (s *HTTPSource) runFetch(ctx context.Context, start, end int64, key string, bc *fetchBroadcast) {
	defer func() {
		s.fetchMu.Lock()
		delete(s.fetchBroadcasts, key)
		s.fetchMu.Unlock()
	}()

	s.mu.Lock()
	ctx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	s.mu.Unlock()
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		bc.finish(fmt.Errorf("%w: building GET: %v", errs.ErrOriginStream, err))
		return
	}
	s.applyHeaders(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	if s.meta.etag != "" {
		req.Header.Set("If-Match", s.meta.etag)
	}
	logutil.DumpRequest(s.log, req)

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			bc.finish(fmt.Errorf("%w: fetch canceled", errs.ErrOriginStream))
			return
		}
		bc.finish(fmt.Errorf("%w: GET %s: %v", errs.ErrOriginStream, s.cfg.URL, err))
		return
	}
	defer resp.Body.Close()
	logutil.DumpResponse(s.log, resp)

	if resp.StatusCode != http.StatusPartialContent {
		// A non-range-honoring 200 (or any other status) is treated as
		// a stream error for this gap, per the hybrid server's failure
		// handling.
		bc.finish(fmt.Errorf("%w: GET %s returned %s (wanted 206)", errs.ErrOriginStream, s.cfg.URL, resp.Status))
		return
	}

	// Status is known; every waiter (this call and any duplicate that
	// joined while the request was in flight) can now read live bytes.
	bc.markReady(nil)

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if !bc.write(buf[:n]) {
				return // every reader lost interest; deferred cancel() stops the GET
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				bc.finish(nil)
			} else {
				bc.finish(fmt.Errorf("%w: reading body: %v", errs.ErrOriginStream, rerr))
			}
			return
		}
	}
}

// Cancel aborts any in-flight Fetch issued by this Source.
func (s *HTTPSource) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelFunc != nil {
		s.cancelFunc()
	}
}

// Dispose releases the underlying client's idle connections.
func (s *HTTPSource) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	if t, ok := s.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func (s *HTTPSource) FileStats() <-chan FileStat { return s.fileStatCh }
