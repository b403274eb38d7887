/* SPDX-License-Identifier: BSD-2-Clause */

package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bilbilaki/down-stream/internal/errs"
	"github.com/bilbilaki/down-stream/metastore"
)

// runStartupValidation enumerates storageDir: every "<id>.video" with a
// companion "<id>.meta" is loaded and made available for resume; every
// "<id>.video" without one is treated as already complete and promoted.
func (h *Handle) runStartupValidation() error {
	entries, err := os.ReadDir(h.cfg.StorageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: reading storage dir: %v", errs.ErrStorageIO, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".video") {
			continue
		}
		id := strings.TrimSuffix(name, ".video")

		if metastore.Exists(h.cfg.StorageDir, id) {
			if err := h.loadResourceForResume(id); err != nil {
				h.log.Error("resume load failed", "id", id, "err", err)
			}
			continue
		}

		if err := h.promoteOrphanedComplete(id); err != nil {
			h.log.Error("startup promotion failed", "id", id, "err", err)
		}
	}
	return nil
}

// loadResourceForResume reconstructs a Resource purely from its durable
// meta record, without an origin.Source (one is created lazily the next
// time Resolve sees its origin URL). This keeps startup cheap: it does not
// issue a HEAD for every resource in storage, only for ones actually
// requested again.
func (h *Handle) loadResourceForResume(id string) error {
	rec, err := metastore.Load(h.cfg.StorageDir, id)
	if err != nil {
		return err
	}

	dataPath := filepath.Join(h.cfg.StorageDir, id+".video")
	f, err := os.OpenFile(dataPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening data file: %v", errs.ErrStorageIO, err)
	}

	res := &Resource{
		id:              rec.ID,
		originURL:       rec.OriginalURL,
		totalSize:       rec.TotalSize,
		mimeType:        rec.MimeType,
		fileName:        rec.FileName,
		promotionTarget: rec.TargetPath,
		cachedSet:       rec.RangeSet,
		dataPath:        dataPath,
		file:            f,
		mgr:             h,
		log:             h.log,
	}
	res.alive.Store(true)
	res.debouncer = nil // armed lazily once a live Source exists (see Resolve)

	h.mu.Lock()
	h.resources[id] = res
	h.urlToID[rec.OriginalURL] = id
	h.mu.Unlock()
	return nil
}

// promoteOrphanedComplete handles an "<id>.video" with no meta file: it was
// already promoted, or a prior run deleted its meta on completion before
// crashing during the rename. Either way it is promoted now if not already
// at its destination.
func (h *Handle) promoteOrphanedComplete(id string) error {
	src := filepath.Join(h.cfg.StorageDir, id+".video")
	dst := filepath.Join(h.cfg.CollectionsDir, id+".mp4")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	return renameOrCopy(src, dst)
}
