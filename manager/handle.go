/* SPDX-License-Identifier: BSD-2-Clause */

package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bilbilaki/down-stream/internal/broadcast"
	"github.com/bilbilaki/down-stream/internal/errs"
	"github.com/bilbilaki/down-stream/internal/logutil"
	"github.com/bilbilaki/down-stream/internal/resourceid"
	"github.com/bilbilaki/down-stream/hybrid"
	"github.com/bilbilaki/down-stream/metastore"
	"github.com/bilbilaki/down-stream/origin"
	"github.com/bilbilaki/down-stream/rangeset"
)

// saveDelay is the debounced-save window; the design calls for 500-1000ms
// after the last mutation, and this picks the midpoint.
const saveDelay = 750 * time.Millisecond

// Config configures a Handle. It is passed directly to Init, matching the
// teacher's constructor-parameter style (NewReaderAt(url, client),
// CachedBlockTransport{...}) rather than a config-file layer — a config
// file belongs to cmd/mediacached, not this library surface.
type Config struct {
	Port           int
	StorageDir     string
	CollectionsDir string // defaults to filepath.Join(StorageDir, "..", "collections")
	UserAgent      string
	Headers        map[string]string
	ProxyURL       string
	ProxyUsername  string
	ProxyPassword  string
	Logger         *slog.Logger
}

// DownloadInfo is the list_all() view of one Resource.
type DownloadInfo struct {
	ID          string
	LocalPath   string
	TotalSize   int64
	IsComplete  bool
	Progress    float64
	FileName    string
	OriginURL   string
}

// ProgressUpdate is published on the progress stream.
type ProgressUpdate struct {
	OriginURL string
	Progress  float64
}

// FileStatEvent is published on the file-stat stream.
type FileStatEvent struct {
	OriginURL string
	Stat      origin.FileStat
}

// Handle is the singleton-but-not-hidden-global object the embedding
// application holds: everything lives behind it, nothing behind package
// state the caller can't reach.
type Handle struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	resources map[string]*Resource // id -> resource
	urlToID   map[string]string

	activeMu        sync.Mutex
	activeDownloads map[string]bool

	progressHub  *broadcast.Hub[ProgressUpdate]
	fileStatHub  *broadcast.Hub[FileStatEvent]

	httpServer *http.Server
	listener   net.Listener
}

var (
	initMu       sync.Mutex
	initInstance *Handle
)

// Init creates the storage directory, starts the loopback server, and runs
// startup validation. A second call is idempotent and returns the existing
// Handle unchanged, per the DoubleInit disposition.
func Init(cfg Config) (*Handle, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if initInstance != nil {
		return initInstance, nil
	}

	if cfg.StorageDir == "" {
		return nil, fmt.Errorf("%w: empty storage dir", errs.ErrBadRequest)
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.CollectionsDir == "" {
		cfg.CollectionsDir = filepath.Join(cfg.StorageDir, "..", "collections")
	}
	if cfg.Logger == nil {
		cfg.Logger = logutil.Noop()
	}

	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating storage dir: %v", errs.ErrStorageIO, err)
	}
	if err := os.MkdirAll(cfg.CollectionsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating collections dir: %v", errs.ErrStorageIO, err)
	}

	h := &Handle{
		cfg:             cfg,
		log:             cfg.Logger,
		resources:       make(map[string]*Resource),
		urlToID:         make(map[string]string),
		activeDownloads: make(map[string]bool),
		progressHub:     broadcast.New[ProgressUpdate](),
		fileStatHub:     broadcast.New[FileStatEvent](),
	}

	if err := h.runStartupValidation(); err != nil {
		h.log.Error("startup validation failed", "err", err)
	}

	srv := hybrid.NewServer(h, h.log)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("%w: binding loopback listener: %v", errs.ErrStorageIO, err)
	}
	h.listener = ln
	h.httpServer = &http.Server{Handler: srv.Handler()}
	go func() {
		if err := h.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Error("hybrid server stopped", "err", err)
		}
	}()

	initInstance = h
	return h, nil
}

// ProxyURLFor returns the loopback proxy URL the embedding application's
// player should request instead of originURL directly.
func (h *Handle) ProxyURLFor(originURL string) string {
	return fmt.Sprintf("http://%s/stream?url=%s", h.listener.Addr().String(), url.QueryEscape(originURL))
}

// Resolve implements hybrid.Store: it returns the Resource for originURL,
// creating it (and issuing the origin HEAD) on first sight.
func (h *Handle) Resolve(ctx context.Context, originURL string) (hybrid.Resource, error) {
	id := resourceid.Of(originURL)

	h.mu.RLock()
	res, ok := h.resources[id]
	h.mu.RUnlock()
	if ok {
		return h.ensureLive(res)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if res, ok := h.resources[id]; ok {
		return h.ensureLive(res)
	}

	res, err := h.createResource(ctx, id, originURL)
	if err != nil {
		return nil, err
	}
	h.resources[id] = res
	h.urlToID[originURL] = id
	return res, nil
}

// ensureLive attaches a live origin.Source and debounced saver to a
// Resource that was reconstructed from its meta record at startup (which
// has neither, since both require a live process, not just durable state).
func (h *Handle) ensureLive(res *Resource) (*Resource, error) {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.source != nil {
		return res, nil
	}

	src, err := origin.NewHTTPSource(origin.Config{
		URL:           res.originURL,
		UserAgent:     h.cfg.UserAgent,
		Headers:       h.cfg.Headers,
		ProxyURL:      h.cfg.ProxyURL,
		ProxyUsername: h.cfg.ProxyUsername,
		ProxyPassword: h.cfg.ProxyPassword,
		Logger:        h.log,
	})
	if err != nil {
		return nil, err
	}
	res.source = src
	res.debouncer = metastore.NewDebouncer(saveDelay, func() { h.saveResource(res) })
	return res, nil
}

func (h *Handle) createResource(ctx context.Context, id, originURL string) (*Resource, error) {
	src, err := origin.NewHTTPSource(origin.Config{
		URL:           originURL,
		UserAgent:     h.cfg.UserAgent,
		Headers:       h.cfg.Headers,
		ProxyURL:      h.cfg.ProxyURL,
		ProxyUsername: h.cfg.ProxyUsername,
		ProxyPassword: h.cfg.ProxyPassword,
		Logger:        h.log,
	})
	if err != nil {
		return nil, err
	}

	stat, err := src.Head(ctx)
	if err != nil {
		src.Dispose()
		return nil, err
	}
	if stat.TotalSize <= 0 {
		src.Dispose()
		return nil, fmt.Errorf("%w: non-positive total size", errs.ErrOriginUnavailable)
	}

	var fileName string
	select {
	case fs := <-src.FileStats():
		fileName = fs.FileName
	default:
	}

	dataPath := filepath.Join(h.cfg.StorageDir, id+".video")
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		src.Dispose()
		return nil, fmt.Errorf("%w: creating data file: %v", errs.ErrStorageIO, err)
	}
	if err := f.Truncate(stat.TotalSize); err != nil {
		f.Close()
		src.Dispose()
		return nil, fmt.Errorf("%w: truncating data file: %v", errs.ErrStorageIO, err)
	}
	if err := preallocate(f, stat.TotalSize); err != nil {
		h.log.Debug("preallocate skipped", "id", id, "err", err)
	}

	res := &Resource{
		id:        id,
		originURL: originURL,
		totalSize: stat.TotalSize,
		mimeType:  stat.MimeType,
		fileName:  fileName,
		cachedSet: rangeset.New(stat.TotalSize),
		source:    src,
		dataPath:  dataPath,
		file:      f,
		mgr:       h,
		log:       h.log,
	}
	res.alive.Store(true)
	res.debouncer = metastore.NewDebouncer(saveDelay, func() { h.saveResource(res) })

	if fileName != "" {
		h.fileStatHub.Publish(FileStatEvent{OriginURL: originURL, Stat: origin.FileStat{
			FileName: fileName, TotalSize: stat.TotalSize, MimeType: stat.MimeType,
		}})
	}

	return res, nil
}

func (h *Handle) saveResource(res *Resource) {
	res.Lock()
	rec := res.saveRecord()
	res.Unlock()
	if err := metastore.Save(h.cfg.StorageDir, rec); err != nil {
		h.log.Error("meta save failed", "id", res.id, "err", err)
	}
}

// PublishProgress implements hybrid.Store.
func (h *Handle) PublishProgress(originURL string, progress float64) {
	h.progressHub.Publish(ProgressUpdate{OriginURL: originURL, Progress: progress})
}

// ProgressFor returns the current progress for originURL.
func (h *Handle) ProgressFor(originURL string) (float64, error) {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return 0, errs.ErrNotFound
	}
	return res.Progress(), nil
}

// ProgressStream subscribes to the progress broadcast.
func (h *Handle) ProgressStream() (<-chan ProgressUpdate, func()) {
	return h.progressHub.Subscribe(16)
}

// FileStatsFor subscribes to file-stat events for any resource; the
// programmatic surface is not scoped to a single URL because a FileStat
// fires once, early, often before the caller has a Resource handle to
// filter by.
func (h *Handle) FileStatsFor() (<-chan FileStatEvent, func()) {
	return h.fileStatHub.Subscribe(16)
}

func (h *Handle) lookupByURL(originURL string) (*Resource, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.urlToID[originURL]
	if !ok {
		return nil, false
	}
	res, ok := h.resources[id]
	return res, ok
}

func (h *Handle) lookupByID(id string) (*Resource, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res, ok := h.resources[id]
	return res, ok
}

// ListAll returns a DownloadInfo snapshot of every active Resource.
func (h *Handle) ListAll() []DownloadInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]DownloadInfo, 0, len(h.resources))
	for _, res := range h.resources {
		out = append(out, DownloadInfo{
			ID:         res.id,
			LocalPath:  res.dataPath,
			TotalSize:  res.totalSize,
			IsComplete: res.IsComplete(),
			Progress:   res.Progress(),
			FileName:   res.fileName,
			OriginURL:  res.originURL,
		})
	}
	return out
}

// Dispose cancels every active resource and closes the server. The Handle
// must not be used afterward.
func (h *Handle) Dispose() error {
	initMu.Lock()
	defer initMu.Unlock()

	h.mu.Lock()
	for _, res := range h.resources {
		res.alive.Store(false)
		if res.source != nil {
			res.source.Cancel()
		}
		if res.debouncer != nil && !res.promoted.Load() {
			res.debouncer.Flush()
		}
		res.close()
	}
	h.resources = make(map[string]*Resource)
	h.urlToID = make(map[string]string)
	h.mu.Unlock()

	var err error
	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = h.httpServer.Shutdown(ctx)
	}
	initInstance = nil
	return err
}
