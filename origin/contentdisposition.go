/* SPDX-License-Identifier: BSD-2-Clause */

package origin

import "strings"

// parseFilename extracts filename=… from a Content-Disposition header
// value, accepting both the quoted ("filename=\"a b.mp4\"") and bare
// (filename=a.mp4) forms, unescaped. Returns "" if no filename parameter
// is present.
func parseFilename(header string) string {
	parts := strings.Split(header, ";")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		lower := strings.ToLower(part)
		if strings.HasPrefix(lower, "filename*=") {
			// RFC 5987 extended form, e.g. filename*=UTF-8''name.mp4;
			// keep it simple and take the text after the last ''.
			v := part[len("filename*="):]
			if idx := strings.LastIndex(v, "''"); idx >= 0 {
				v = v[idx+2:]
			}
			return strings.Trim(v, `"`)
		}
		if strings.HasPrefix(lower, "filename=") {
			v := strings.TrimSpace(part[len("filename="):])
			v = strings.Trim(v, `"`)
			return v
		}
	}
	return ""
}
