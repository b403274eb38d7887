/* SPDX-License-Identifier: BSD-2-Clause */

package manager

import (
	"context"
	"io"
)

// completerChunk is the fetch granularity the background gap-filler uses,
// matching the design's "fetches it in 1 MiB chunks".
const completerChunk = 1 << 20

// startCompleter launches the background gap-fill task for res. Exactly
// one completer may run per Resource at a time; the one-active-per-
// resource invariant is enforced by activeDownloads under activeMu,
// grounded on the design's process-wide "active_downloads" set.
func (h *Handle) startCompleter(res *Resource) {
	h.activeMu.Lock()
	if h.activeDownloads[res.id] {
		h.activeMu.Unlock()
		return
	}
	h.activeDownloads[res.id] = true
	h.activeMu.Unlock()

	go h.runCompleter(res)
}

func (h *Handle) runCompleter(res *Resource) {
	defer func() {
		h.activeMu.Lock()
		delete(h.activeDownloads, res.id)
		h.activeMu.Unlock()
		res.completerStarted.Store(false)
	}()

	ctx := context.Background()
	var scanFrom int64 // bytes before this point are already filled and never unfilled again
	for res.alive.Load() {
		gs, ge, ok := res.cachedSet.NextGap(scanFrom)
		if !ok {
			h.promote(res)
			return
		}

		end := gs + completerChunk - 1
		if end > ge {
			end = ge
		}

		if err := h.fillGap(ctx, res, gs, end); err != nil {
			h.log.Error("completer gap fill failed", "id", res.id, "start", gs, "end", end, "err", err)
			return
		}
		scanFrom = end + 1

		res.TouchSave()
		h.PublishProgress(res.originURL, res.Progress())

		if !res.alive.Load() {
			return
		}
	}
}

// fillGap fetches [start,end] from origin and writes it into the data
// file, mirroring the per-chunk lock/write/unlock discipline of the
// hybrid loop so live requests can interleave.
func (h *Handle) fillGap(ctx context.Context, res *Resource, start, end int64) error {
	rc, err := res.source.Fetch(ctx, start, end)
	if err != nil {
		return err
	}
	defer rc.Close()

	buf := make([]byte, 32*1024)
	off := start
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			res.Lock()
			_, werr := res.WriteAt(buf[:n], off)
			if werr == nil {
				res.cachedSet.Insert(off, off+int64(n)-1)
			}
			res.Unlock()
			if werr != nil {
				return werr
			}
			off += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
