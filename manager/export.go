/* SPDX-License-Identifier: BSD-2-Clause */

package manager

import (
	"os"
	"path/filepath"

	"github.com/bilbilaki/down-stream/internal/errs"
)

// Export copies the completed resource behind originURL to target,
// returning false (no error, per the NotComplete disposition) if the
// resource is not yet complete.
func (h *Handle) Export(originURL, target string) (bool, error) {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return false, errs.ErrNotFound
	}
	return h.exportResource(res, target, false)
}

// Move renames the completed resource behind originURL to target.
func (h *Handle) Move(originURL, target string) (bool, error) {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return false, errs.ErrNotFound
	}
	return h.exportResource(res, target, true)
}

// ExportAutoName copies the completed resource to dir using its suggested
// name, returning the resulting path.
func (h *Handle) ExportAutoName(originURL, dir string) (string, error) {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return "", errs.ErrNotFound
	}
	target := filepath.Join(dir, res.suggestedName())
	ok2, err := h.exportResource(res, target, false)
	if err != nil || !ok2 {
		return "", err
	}
	return target, nil
}

// MoveAutoName renames the completed resource into dir using its
// suggested name, returning the resulting path.
func (h *Handle) MoveAutoName(originURL, dir string) (string, error) {
	res, ok := h.lookupByURL(originURL)
	if !ok {
		return "", errs.ErrNotFound
	}
	target := filepath.Join(dir, res.suggestedName())
	ok2, err := h.exportResource(res, target, true)
	if err != nil || !ok2 {
		return "", err
	}
	return target, nil
}

func (h *Handle) exportResource(res *Resource, target string, move bool) (bool, error) {
	if !res.IsComplete() {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, err
	}
	if move {
		if err := renameOrCopy(res.dataPath, target); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := copyFile(res.dataPath, target); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = out.ReadFrom(in)
	return err
}
