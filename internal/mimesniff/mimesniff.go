/* SPDX-License-Identifier: BSD-2-Clause */

// Package mimesniff identifies a MIME type from the first bytes of a file,
// and from a file extension when no signature matches.
package mimesniff

import (
	"bytes"
	"strings"
)

// signature is one entry of the sniffing table: bytes at a fixed offset
// imply a MIME type. ftypBrands additionally gates on the brand that
// follows an "ftyp" box at offset 4.
type signature struct {
	offset int
	magic  []byte
	mime   string
}

var signatures = []signature{
	{4, []byte("ftyp"), ""}, // handled specially below, brand-gated
	{0, []byte{0x1A, 0x45, 0xDF, 0xA3}, "video/webm"},
	{0, []byte{0x46, 0x4C, 0x56}, "video/x-flv"},
	{0, []byte{0xFF, 0xD8, 0xFF}, "image/jpeg"},
	{0, []byte{0x89, 0x50, 0x4E, 0x47}, "image/png"},
	{0, []byte{0x47, 0x49, 0x46, 0x38}, "image/gif"},
	{0, []byte{0x50, 0x4B, 0x03, 0x04}, "application/zip"},
	{0, []byte{0x52, 0x61, 0x72, 0x21}, "application/x-rar-compressed"},
	{0, []byte{0x25, 0x50, 0x44, 0x46}, "application/pdf"},
}

// ftypBrands lists the brand prefixes (found at offset 8, right after the
// "ftyp" box tag) that imply an MP4-family container.
var ftypBrands = []string{"iso", "mp4", "avc", "M4V", "qt"}

// Sniff inspects the first 16 bytes of data and returns the matched MIME
// type, or "" if nothing matches.
func Sniff(data []byte) string {
	if len(data) > 16 {
		data = data[:16]
	}
	if len(data) >= 8 && bytes.Equal(data[4:8], []byte("ftyp")) {
		brand := string(data[8:min(len(data), 11)])
		for _, b := range ftypBrands {
			if strings.HasPrefix(brand, b) {
				return "video/mp4"
			}
		}
	}
	for _, sig := range signatures {
		if sig.mime == "" {
			continue
		}
		end := sig.offset + len(sig.magic)
		if len(data) < end {
			continue
		}
		if bytes.Equal(data[sig.offset:end], sig.magic) {
			return sig.mime
		}
	}
	return ""
}

// byExtension maps a lowercased, dot-prefixed file extension to a MIME
// type, used as a fallback when sniffing the body is not possible (e.g.
// before any bytes have been fetched).
var byExtension = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".webm": "video/webm",
	".flv":  "video/x-flv",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".ts":   "video/mp2t",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
}

// ByExtension returns the MIME type registered for ext (which may or may
// not have a leading dot), or "" if unknown.
func ByExtension(ext string) string {
	ext = strings.ToLower(ext)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return byExtension[ext]
}

// ExtensionFor returns a best-guess file extension for a MIME type,
// the inverse of ByExtension, defaulting to ".bin" when unknown.
func ExtensionFor(mime string) string {
	for ext, m := range byExtension {
		if m == mime {
			return ext
		}
	}
	switch mime {
	case "video/mp4", "":
		return ".mp4"
	}
	return ".bin"
}
