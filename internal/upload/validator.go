// Package upload validates image payloads before they are stored and attached to messages.
package upload

import (
	"bytes"
	"fmt"
)

// MaxSize is the largest accepted image, in bytes.
const MaxSize = 5 << 20

// Rejection is returned when a payload fails validation. Reason is safe to show to callers.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "upload rejected: " + r.Reason }

type signature struct {
	prefix []byte
	offset int
}

var signatures = map[string][]signature{
	"image/jpeg": {{prefix: []byte{0xFF, 0xD8, 0xFF}}},
	"image/png":  {{prefix: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}}},
	"image/gif":  {{prefix: []byte("GIF87a")}, {prefix: []byte("GIF89a")}},
	// RIFF container; the WEBP fourcc sits at offset 8 when the header is complete
	"image/webp": {{prefix: []byte("RIFF")}},
}

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

// Allowed reports whether the declared MIME type is on the allow-list.
func Allowed(mimeType string) bool {
	_, ok := signatures[Normalize(mimeType)]
	return ok
}

// Extension returns the canonical file extension for an allowed MIME type.
func Extension(mimeType string) string {
	return extensions[Normalize(mimeType)]
}

// Validate checks the declared type, the size ceiling and the leading bytes.
// size is the declared size; the actual payload length is checked as well.
func Validate(data []byte, declaredType string, size int64) error {
	mimeType := Normalize(declaredType)
	sigs, ok := signatures[mimeType]
	if !ok {
		return &Rejection{Reason: fmt.Sprintf("file type %q is not allowed; use JPEG, PNG, GIF or WEBP", declaredType)}
	}
	if size > MaxSize || int64(len(data)) > MaxSize {
		return &Rejection{Reason: "file exceeds the 5MB limit"}
	}
	if len(data) == 0 {
		return &Rejection{Reason: "file is empty"}
	}
	for _, sig := range sigs {
		if matches(data, sig) {
			if mimeType == "image/webp" && len(data) >= 12 && !bytes.Equal(data[8:12], []byte("WEBP")) {
				break
			}
			return nil
		}
	}
	return &Rejection{Reason: "file content does not match its declared type"}
}

func matches(data []byte, sig signature) bool {
	end := sig.offset + len(sig.prefix)
	if len(data) < end {
		return false
	}
	return bytes.Equal(data[sig.offset:end], sig.prefix)
}

// Normalize lowercases a MIME type, drops parameters and maps image/jpg to image/jpeg.
func Normalize(mimeType string) string {
	mt := bytes.ToLower(bytes.TrimSpace([]byte(mimeType)))
	if i := bytes.IndexByte(mt, ';'); i >= 0 {
		mt = bytes.TrimSpace(mt[:i])
	}
	if string(mt) == "image/jpg" {
		return "image/jpeg"
	}
	return string(mt)
}
