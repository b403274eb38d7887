/* SPDX-License-Identifier: BSD-2-Clause */

package manager

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bilbilaki/down-stream/internal/errs"
	"github.com/bilbilaki/down-stream/metastore"
)

// promote deletes the meta file and renames the data file to its
// promotion_target (or the default collections path). The Resource stays
// registered under its id and origin URL — list_all(), and export/move by
// either key, must keep answering for a completed resource, they just see
// is_complete=true, progress=100, and a local_path that has moved into
// the collections directory. Grounded on rsc-cloud/diskcache's .next ->
// .data rename (cache.go), applied here to the whole cache entry rather
// than just its metadata.
func (h *Handle) promote(res *Resource) {
	if !res.promoted.CompareAndSwap(false, true) {
		return // already promoted; EnsureCompleterStarted should have skipped this resource
	}

	dst := res.promotionTarget
	if dst == "" {
		dst = filepath.Join(h.cfg.CollectionsDir, res.id+res.extension())
	}

	if err := metastore.Delete(h.cfg.StorageDir, res.id); err != nil {
		h.log.Error("promotion: meta delete failed", "id", res.id, "err", err)
	}

	res.Lock()
	if res.file != nil {
		res.file.Close()
		res.file = nil
	}
	src := res.dataPath
	res.Unlock()

	if err := renameOrCopy(src, dst); err != nil {
		h.log.Error("promotion: rename failed", "id", res.id, "dst", dst, "err", err)
		res.promoted.Store(false)
		return
	}

	res.Lock()
	res.dataPath = dst
	res.Unlock()

	h.activeMu.Lock()
	delete(h.activeDownloads, res.id)
	h.activeMu.Unlock()
}

// renameOrCopy renames src to dst, falling back to a copy-then-delete when
// the two paths are on different filesystems (EXDEV), which a plain
// os.Rename cannot cross. dst already existing is treated as success
// without overwriting it, matching the design's "promotion does not
// overwrite an existing target" rule; src is preserved alongside dst with
// a ".dup" suffix rather than deleted, since two distinct resources racing
// to promote to the same id is a genuine race, not a guaranteed duplicate,
// and discarding src unconditionally risked losing data.
func renameOrCopy(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		dup := dst + ".dup"
		if err := os.Rename(src, dup); err != nil {
			copyThenRemove(src, dup)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", errs.ErrStorageIO, filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return copyThenRemove(src, dst)
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", errs.ErrStorageIO, src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", errs.ErrStorageIO, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("%w: copy %s -> %s: %v", errs.ErrStorageIO, src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", errs.ErrStorageIO, dst, err)
	}
	return os.Remove(src)
}
