/* SPDX-License-Identifier: BSD-2-Clause */

package rangeset

import "testing"

func TestNewPicksRepresentationByThreshold(t *testing.T) {
	if rep := New(BitmapThreshold).Representation(); rep != RepList {
		t.Errorf("at threshold: got %v, want RepList", rep)
	}
	if rep := New(BitmapThreshold + 1).Representation(); rep != RepBitmap {
		t.Errorf("above threshold: got %v, want RepBitmap", rep)
	}
}

func TestIntervalSetInsertContains(t *testing.T) {
	s := New(1000)
	if s.Contains(0, 99) {
		t.Fatal("empty set should not contain anything")
	}
	s.Insert(0, 99)
	if !s.Contains(0, 99) {
		t.Error("expected [0,99] present")
	}
	if s.Contains(0, 100) {
		t.Error("did not expect [0,100] present")
	}
	s.Insert(100, 199)
	if !s.Contains(0, 199) {
		t.Error("adjacent inserts should coalesce into one covering interval")
	}
	ivs := s.Intervals()
	if len(ivs) != 1 || ivs[0] != (Interval{0, 199}) {
		t.Errorf("got %v, want single [0,199]", ivs)
	}
}

func TestIntervalSetIdempotentInsert(t *testing.T) {
	s := New(1000)
	s.Insert(10, 20)
	s.Insert(10, 20)
	s.Insert(15, 18)
	ivs := s.Intervals()
	if len(ivs) != 1 || ivs[0] != (Interval{10, 20}) {
		t.Errorf("got %v, want single [10,20]", ivs)
	}
}

func TestIntervalSetNextGapAndAllGaps(t *testing.T) {
	s := New(1000)
	s.Insert(0, 99)
	s.Insert(200, 299)

	gs, ge, ok := s.NextGap(0)
	if !ok || gs != 100 || ge != 199 {
		t.Errorf("NextGap(0) = %d,%d,%v want 100,199,true", gs, ge, ok)
	}
	gs, ge, ok = s.NextGap(150)
	if !ok || gs != 150 || ge != 199 {
		t.Errorf("NextGap(150) = %d,%d,%v want 150,199,true", gs, ge, ok)
	}

	gaps := s.AllGaps()
	want := []Interval{{100, 199}, {300, 999}}
	if len(gaps) != len(want) {
		t.Fatalf("got %v, want %v", gaps, want)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Errorf("gap %d: got %v, want %v", i, gaps[i], want[i])
		}
	}
}

func TestIntervalSetCompleteAndProgress(t *testing.T) {
	s := New(100)
	if s.IsComplete() {
		t.Fatal("empty set must not be complete")
	}
	if p := s.Progress(); p != 0 {
		t.Errorf("empty progress = %v, want 0", p)
	}
	s.Insert(0, 49)
	if p := s.Progress(); p != 50 {
		t.Errorf("progress = %v, want 50", p)
	}
	s.Insert(50, 99)
	if !s.IsComplete() {
		t.Error("expected complete after covering [0,99]")
	}
	if p := s.Progress(); p != 100 {
		t.Errorf("progress = %v, want 100", p)
	}
}

func TestIntervalSetSingleByteTotal(t *testing.T) {
	s := New(1)
	if s.IsComplete() {
		t.Fatal("single-byte resource should start incomplete")
	}
	s.Insert(0, 0)
	if !s.IsComplete() {
		t.Error("single byte insert should complete a 1-byte resource")
	}
}

func TestBitmapSetBlockBoundaries(t *testing.T) {
	total := int64(BitmapThreshold + 1)
	s := New(total)
	if s.Representation() != RepBitmap {
		t.Fatal("expected bitmap representation")
	}
	s.Insert(0, BlockSize-1)
	if !s.Contains(0, BlockSize-1) {
		t.Error("expected first block present")
	}
	if s.Contains(0, BlockSize) {
		t.Error("did not expect second block present after marking only first")
	}
	gs, ge, ok := s.NextGap(0)
	if !ok || gs != BlockSize {
		t.Errorf("NextGap(0) = %d,%d,%v want start=%d", gs, ge, ok, BlockSize)
	}
}

func TestBitmapSetFinalShortBlock(t *testing.T) {
	total := int64(BitmapThreshold) + 10
	s := New(total)
	lastBlockStart := (total / BlockSize) * BlockSize
	s.Insert(0, total-1)
	if !s.IsComplete() {
		t.Fatal("expected complete after covering entire short-tailed resource")
	}
	if !s.Contains(lastBlockStart, total-1) {
		t.Error("expected final short block present")
	}
}

func TestBitmapRoundTripViaMetaStoreEncoding(t *testing.T) {
	total := int64(BitmapThreshold + 1)
	s := New(total).(*blockBitmapSet)
	s.Insert(0, BlockSize*3-1)
	encoded := s.Bitmap()

	reloaded := NewFromBitmap(total, encoded)
	if !reloaded.Contains(0, BlockSize*3-1) {
		t.Error("reloaded bitmap should contain previously marked range")
	}
	if reloaded.Contains(0, BlockSize*3) {
		t.Error("reloaded bitmap should not contain byte beyond what was marked")
	}
}

func TestIntervalListRoundTripViaMetaStoreEncoding(t *testing.T) {
	s := New(1000)
	s.Insert(0, 99)
	s.Insert(500, 999)
	saved := s.Intervals()

	reloaded := NewFromIntervals(1000, saved)
	if !reloaded.Contains(0, 99) || !reloaded.Contains(500, 999) {
		t.Error("reloaded interval set should contain saved ranges")
	}
	if reloaded.Contains(100, 499) {
		t.Error("reloaded interval set should not contain the gap")
	}
}

func TestClampRejectsOutOfRange(t *testing.T) {
	s := New(100)
	s.Insert(-10, 50)
	if !s.Contains(0, 50) {
		t.Error("negative start should clamp to 0")
	}
	s.Insert(90, 200)
	if !s.Contains(90, 99) {
		t.Error("end beyond total size should clamp to totalSize-1")
	}
}
