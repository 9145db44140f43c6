// Package media classifies outgoing attachment payloads and enforces size limits
// shared by the document store and the platform upload pipelines.
package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// MediaType is the upload category a platform expects for a payload.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
	MediaTypeFile  MediaType = "file"
)

// Classify maps a content type to an upload category. When the content type is
// empty or generic, the file name extension is consulted instead.
func Classify(contentType, name string) MediaType {
	ct := normalizeContentType(contentType)
	if ct == "" || ct == "application/octet-stream" {
		ct = normalizeContentType(mime.TypeByExtension(strings.ToLower(filepath.Ext(name))))
	}
	switch {
	case strings.HasPrefix(ct, "image/"):
		// Platforms re-encode photos; vector and animated images go as files.
		if ct == "image/svg+xml" || ct == "image/gif" {
			return MediaTypeFile
		}
		return MediaTypeImage
	case strings.HasPrefix(ct, "audio/"):
		return MediaTypeAudio
	case strings.HasPrefix(ct, "video/"):
		return MediaTypeVideo
	default:
		return MediaTypeFile
	}
}

// DetectContentType returns contentType when set, otherwise a type guessed from name.
func DetectContentType(contentType, name string) string {
	if ct := normalizeContentType(contentType); ct != "" {
		return ct
	}
	if ct := normalizeContentType(mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func normalizeContentType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if parsed, _, err := mime.ParseMediaType(raw); err == nil {
		return strings.ToLower(parsed)
	}
	return strings.ToLower(raw)
}
