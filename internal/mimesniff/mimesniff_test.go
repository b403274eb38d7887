/* SPDX-License-Identifier: BSD-2-Clause */

package mimesniff

import "testing"

func TestSniffSignatures(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0, 0, 0, 0}, "image/png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "image/jpeg"},
		{"gif", []byte("GIF89a")[:4], "image/gif"},
		{"zip", []byte{0x50, 0x4B, 0x03, 0x04}, "application/zip"},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3}, "video/webm"},
		{"unknown", []byte{0, 1, 2, 3}, ""},
		{"tooShort", []byte{0x89}, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Sniff(c.data); got != c.want {
				t.Errorf("Sniff(%v) = %q, want %q", c.data, got, c.want)
			}
		})
	}
}

func TestSniffMP4FtypBrand(t *testing.T) {
	data := append([]byte{0, 0, 0, 0x18}, []byte("ftyp")...)
	data = append(data, []byte("isom")...)
	if got := Sniff(data); got != "video/mp4" {
		t.Errorf("got %q, want video/mp4", got)
	}
}

func TestSniffFtypUnrecognizedBrandReturnsEmpty(t *testing.T) {
	data := append([]byte{0, 0, 0, 0x18}, []byte("ftyp")...)
	data = append(data, []byte("xxxx")...)
	if got := Sniff(data); got != "" {
		t.Errorf("got %q, want empty for unrecognized brand", got)
	}
}

func TestByExtensionNormalizesCaseAndDot(t *testing.T) {
	if got := ByExtension("MP4"); got != "video/mp4" {
		t.Errorf("got %q", got)
	}
	if got := ByExtension(".MP4"); got != "video/mp4" {
		t.Errorf("got %q", got)
	}
	if got := ByExtension(".unknown"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestExtensionForRoundTripsKnownMimes(t *testing.T) {
	if got := ExtensionFor("image/png"); got != ".png" {
		t.Errorf("got %q, want .png", got)
	}
	if got := ExtensionFor("application/octet-stream"); got != ".bin" {
		t.Errorf("got %q, want .bin fallback", got)
	}
	if got := ExtensionFor(""); got != ".mp4" {
		t.Errorf("got %q, want .mp4 for empty mime", got)
	}
}
