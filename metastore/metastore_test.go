/* SPDX-License-Identifier: BSD-2-Clause */

package metastore

import (
	"os"
	"testing"
	"time"

	"github.com/bilbilaki/down-stream/rangeset"
)

func TestSaveLoadListVariantRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rs := rangeset.New(1000)
	rs.Insert(0, 99)
	rs.Insert(500, 999)

	rec := Record{
		ID:          "abc123",
		TotalSize:   1000,
		OriginalURL: "https://example.com/video.mp4",
		MimeType:    "video/mp4",
		FileName:    "video.mp4",
		RangeSet:    rs,
	}
	if err := Save(dir, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !Exists(dir, "abc123") {
		t.Fatal("expected meta file to exist after Save")
	}

	loaded, err := Load(dir, "abc123")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.OriginalURL != rec.OriginalURL || loaded.MimeType != rec.MimeType {
		t.Errorf("loaded attributes mismatch: %+v", loaded)
	}
	if !loaded.RangeSet.Contains(0, 99) || !loaded.RangeSet.Contains(500, 999) {
		t.Error("loaded RangeSet missing expected ranges")
	}
	if loaded.RangeSet.Contains(100, 499) {
		t.Error("loaded RangeSet should not claim the gap")
	}
}

func TestSaveLoadBitmapVariantRoundTrip(t *testing.T) {
	dir := t.TempDir()
	total := int64(rangeset.BitmapThreshold + 1)
	rs := rangeset.New(total)
	rs.Insert(0, rangeset.BlockSize*2-1)

	rec := Record{ID: "bigfile", TotalSize: total, OriginalURL: "https://example.com/big.mkv", RangeSet: rs}
	if err := Save(dir, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir, "bigfile")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RangeSet.Representation() != rangeset.RepBitmap {
		t.Errorf("got %v, want RepBitmap", loaded.RangeSet.Representation())
	}
	if !loaded.RangeSet.Contains(0, rangeset.BlockSize*2-1) {
		t.Error("loaded bitmap missing marked range")
	}
}

func TestLoadMalformedMetaReturnsCorruptError(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "broken")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(dir, "broken")
	if err == nil {
		t.Fatal("expected error loading malformed meta")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := Delete(dir, "never-existed"); err != nil {
		t.Errorf("Delete on missing file should not error, got %v", err)
	}
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	calls := 0
	d := NewDebouncer(20*time.Millisecond, func() { calls++ })
	for i := 0; i < 5; i++ {
		d.Touch()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(40 * time.Millisecond)
	if calls != 1 {
		t.Errorf("got %d calls, want 1 after coalesced bursts", calls)
	}
}

func TestDebouncerFlushIsImmediate(t *testing.T) {
	calls := 0
	d := NewDebouncer(time.Hour, func() { calls++ })
	d.Touch()
	d.Flush()
	if calls != 1 {
		t.Errorf("got %d calls, want 1 after Flush", calls)
	}
}

func TestDebouncerStopPreventsFurtherSaves(t *testing.T) {
	calls := 0
	d := NewDebouncer(5*time.Millisecond, func() { calls++ })
	d.Touch()
	d.Stop()
	time.Sleep(20 * time.Millisecond)
	if calls != 0 {
		t.Errorf("got %d calls, want 0 after Stop", calls)
	}
}
