/* SPDX-License-Identifier: BSD-2-Clause */

package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/bilbilaki/down-stream/internal/errs"
	"github.com/bilbilaki/down-stream/metastore"
)

// Cancel stops res's completer, cancels its in-flight origin fetch,
// cancels its pending save timer, and removes it from active_downloads,
// without deleting any on-disk state.
func (h *Handle) Cancel(originURL string) error {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return errs.ErrNotFound
	}
	res.alive.Store(false)
	if res.source != nil {
		res.source.Cancel()
	}
	if res.debouncer != nil {
		res.debouncer.Stop()
	}
	h.activeMu.Lock()
	delete(h.activeDownloads, res.id)
	h.activeMu.Unlock()
	return nil
}

// StartBackground (re)arms res's liveness flag and starts its completer if
// not already running.
func (h *Handle) StartBackground(originURL string) error {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return errs.ErrNotFound
	}
	if _, err := h.ensureLive(res); err != nil {
		return err
	}
	res.alive.Store(true)
	res.EnsureCompleterStarted()
	return nil
}

// StopBackground clears res's liveness flag; its completer observes this
// after its current chunk (at most 1 MiB) and stops. Any pending debounced
// save is written immediately.
func (h *Handle) StopBackground(originURL string) error {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return errs.ErrNotFound
	}
	res.alive.Store(false)
	if res.debouncer != nil && !res.promoted.Load() {
		res.debouncer.Flush()
	}
	return nil
}

// ResumeAll restarts the completer for every incomplete Resource currently
// registered (typically called once after startup validation has loaded
// resumable resources from disk). Concurrency is bounded via errgroup,
// the same golang.org/x/sync module origin.Fetch's dedup logic used to lean
// on before it moved to a hand-rolled broadcast.
func (h *Handle) ResumeAll(ctx context.Context) error {
	h.mu.RLock()
	candidates := make([]*Resource, 0, len(h.resources))
	for _, res := range h.resources {
		if !res.IsComplete() {
			candidates = append(candidates, res)
		}
	}
	h.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, res := range candidates {
		res := res
		g.Go(func() error {
			if _, err := h.ensureLive(res); err != nil {
				h.log.Error("resume: attach source failed", "id", res.id, "err", err)
				return nil
			}
			res.alive.Store(true)
			res.EnsureCompleterStarted()
			return nil
		})
	}
	return g.Wait()
}

// RemoveByURL stops background work for originURL, cancels its source,
// removes it from the active map, and deletes its on-disk files.
func (h *Handle) RemoveByURL(originURL string) error {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return errs.ErrNotFound
	}
	return h.removeResource(res)
}

// RemoveByID is the id-addressed equivalent of RemoveByURL.
func (h *Handle) RemoveByID(id string) error {
	res, ok := h.lookupByID(id)
	if !ok {
		return errs.ErrNotFound
	}
	return h.removeResource(res)
}

func (h *Handle) removeResource(res *Resource) error {
	res.alive.Store(false)
	h.activeMu.Lock()
	delete(h.activeDownloads, res.id)
	h.activeMu.Unlock()

	res.close()

	h.mu.Lock()
	delete(h.resources, res.id)
	delete(h.urlToID, res.originURL)
	h.mu.Unlock()

	if err := os.Remove(res.dataPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %v", errs.ErrStorageIO, res.dataPath, err)
	}
	if err := metastore.Delete(h.cfg.StorageDir, res.id); err != nil {
		return err
	}
	collectionPath := filepath.Join(h.cfg.CollectionsDir, res.id+res.extension())
	os.Remove(collectionPath)
	return nil
}

// ClearAll removes every Resource, then sweeps any remaining file in
// storageDir so the directory ends up empty.
func (h *Handle) ClearAll() error {
	h.mu.RLock()
	ids := make([]*Resource, 0, len(h.resources))
	for _, res := range h.resources {
		ids = append(ids, res)
	}
	h.mu.RUnlock()

	for _, res := range ids {
		if err := h.removeResource(res); err != nil {
			h.log.Error("clear_all: remove failed", "id", res.id, "err", err)
		}
	}

	entries, err := os.ReadDir(h.cfg.StorageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: reading storage dir: %v", errs.ErrStorageIO, err)
	}
	for _, entry := range entries {
		os.RemoveAll(filepath.Join(h.cfg.StorageDir, entry.Name()))
	}
	return nil
}

// SetTarget sets the promotion target path for the resource behind
// originURL.
func (h *Handle) SetTarget(originURL, path string) error {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return errs.ErrNotFound
	}
	res.Lock()
	res.promotionTarget = path
	res.Unlock()
	res.TouchSave()
	return nil
}

// SetTargetByID is the id-addressed equivalent of SetTarget.
func (h *Handle) SetTargetByID(id, path string) error {
	res, ok := h.lookupByID(id)
	if !ok {
		return errs.ErrNotFound
	}
	res.Lock()
	res.promotionTarget = path
	res.Unlock()
	res.TouchSave()
	return nil
}
