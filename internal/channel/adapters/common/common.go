// Package common holds helpers shared by the platform adapters.
package common

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// SummarizeText truncates text for log lines.
func SummarizeText(text string) string {
	const max = 80
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "…"
}

var (
	boldPattern   = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	italicPattern = regexp.MustCompile(`\*([^*]+)\*|_([^_]+)_`)
	codePattern   = regexp.MustCompile("`([^`]+)`")
	fencePattern  = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n?(.*?)```")
	headerPattern = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	linkPattern   = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// StripMarkdown removes common markdown syntax, keeping the visible text.
// Used by adapters whose platform renders raw markdown characters literally.
func StripMarkdown(text string) string {
	text = fencePattern.ReplaceAllString(text, "$1")
	text = codePattern.ReplaceAllString(text, "$1")
	text = boldPattern.ReplaceAllString(text, "$1$2")
	text = italicPattern.ReplaceAllString(text, "$1$2")
	text = headerPattern.ReplaceAllString(text, "")
	text = linkPattern.ReplaceAllString(text, "$1 ($2)")
	return text
}

var dataURIPattern = regexp.MustCompile(`^data:([^;,]+);base64,(.+)$`)

// DecodeDataURI splits a base64 data URI into its MIME type and raw bytes.
func DecodeDataURI(uri string) (mime string, data []byte, err error) {
	match := dataURIPattern.FindStringSubmatch(strings.TrimSpace(uri))
	if match == nil {
		return "", nil, fmt.Errorf("not a base64 data uri")
	}
	decoded, err := base64.StdEncoding.DecodeString(match[2])
	if err != nil {
		return "", nil, fmt.Errorf("decode data uri: %w", err)
	}
	return match[1], decoded, nil
}

// IsDataURI reports whether the reference is an inline data URI.
func IsDataURI(uri string) bool {
	return strings.HasPrefix(strings.TrimSpace(uri), "data:")
}

// FilenameFor derives a filename for an inline media item from its MIME type.
func FilenameFor(mime string) string {
	switch mime {
	case "image/png":
		return "image.png"
	case "image/jpeg", "image/jpg":
		return "image.jpg"
	case "image/gif":
		return "image.gif"
	case "image/webp":
		return "image.webp"
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/wav":
		return "audio.wav"
	case "video/mp4":
		return "video.mp4"
	case "application/pdf":
		return "document.pdf"
	default:
		return "file.bin"
	}
}
