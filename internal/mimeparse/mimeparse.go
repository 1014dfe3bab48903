// Package mimeparse implements P8: extracting the base media type out
// of a (possibly multi-parameter) Content-Type string, tolerant of
// case and surrounding whitespace, without pulling in the stdlib
// mime.ParseMediaType machinery (which rejects several real-world
// parameter forms the audio worker needs to accept leniently).
package mimeparse

import "strings"

// BaseType returns the lowercased base media type of s — the portion
// before the first ';' — or "" if s is empty/whitespace-only. A MIME
// like "audio/webm;codecs=opus" or " Audio/WEBM ; codecs=opus " both
// yield "audio/webm".
func BaseType(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	base := trimmed
	if idx := strings.IndexByte(trimmed, ';'); idx >= 0 {
		base = trimmed[:idx]
	}
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	return strings.ToLower(base)
}

// AllowedAudioTypes is the set of base media types §6 permits for
// audio submissions.
var AllowedAudioTypes = map[string]bool{
	"audio/mpeg":  true,
	"audio/mp3":   true,
	"audio/wav":   true,
	"audio/wave":  true,
	"audio/x-wav": true,
	"audio/webm":  true,
	"audio/mp4":   true,
	"audio/m4a":   true,
	"audio/ogg":   true,
	"audio/flac":  true,
}

// IsAllowedAudio reports whether the declared content type's base
// media type is one the audio worker accepts.
func IsAllowedAudio(contentType string) bool {
	base := BaseType(contentType)
	if base == "" {
		return false
	}
	return AllowedAudioTypes[base]
}
