/* SPDX-License-Identifier: BSD-2-Clause */

//go:build linux

package manager

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes of real disk space for f without writing
// to it, so the completer's scattered gap-fill writes don't fragment the
// extent map the way a lazily-grown sparse file would. Grounded on the
// teacher's platform-specific syscall files (uffd.go is Linux-only by the
// same build-tag idiom); failure is not fatal; the file still behaves
// correctly as a sparse file if the filesystem can't honor the hint.
func preallocate(f *os.File, size int64) error {
	return unix.Fallocate(int(f.Fd()), 0, 0, size)
}
