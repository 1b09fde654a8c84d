package server

import (
	"path"
	"strings"
)

const defaultContentType = "text/plain"

var suffixType = map[string]string{
	// Text formats
	".html":  "text/html",
	".htm":   "text/html",
	".xhtml": "application/xhtml+xml",
	".css":   "text/css",
	".js":    "text/javascript",
	".json":  "application/json",
	".txt":   "text/plain",
	".xml":   "text/xml",
	".csv":   "text/csv",
	".rtf":   "application/rtf",

	// Images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".ico":  "image/x-icon",
	".bmp":  "image/bmp",

	// Video
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",

	// Audio
	".au":   "audio/basic",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",

	// Fonts
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",

	// Documents and archives
	".pdf":  "application/pdf",
	".word": "application/msword",
	".zip":  "application/zip",
	".tar":  "application/x-tar",
	".gz":   "application/x-gzip",
}

// getContentType maps the suffix of filePath to a MIME type, defaulting to
// text/plain for unknown or missing suffixes.
func getContentType(filePath string) string {
	ext := strings.ToLower(path.Ext(filePath))
	if ext == "" {
		return defaultContentType
	}
	if t, ok := suffixType[ext]; ok {
		return t
	}
	return defaultContentType
}
