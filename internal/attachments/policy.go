package attachments

import (
	"path/filepath"
	"strings"
)

// Policy decides which files may be mirrored. Extensions are compared
// case-insensitively and include the leading dot.
type Policy struct {
	allowed map[string]struct{}
	maxSize int64
}

// NewPolicy builds a policy from an allow-list and a byte ceiling. A
// non-positive ceiling disables the size check.
func NewPolicy(extensions []string, maxSize int64) Policy {
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = struct{}{}
	}
	return Policy{allowed: allowed, maxSize: maxSize}
}

// AllowsName reports whether the filename's extension is on the allow-list.
func (p Policy) AllowsName(name string) bool {
	_, ok := p.allowed[strings.ToLower(filepath.Ext(name))]
	return ok
}

// AllowsSize reports whether size is within the ceiling.
func (p Policy) AllowsSize(size int64) bool {
	return p.maxSize <= 0 || size <= p.maxSize
}

// MaxSize is the configured ceiling in bytes.
func (p Policy) MaxSize() int64 { return p.maxSize }

// Kind groups a filename into image, video, audio or document for logging.
func Kind(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg":
		return "image"
	case ".mp4", ".avi", ".mov", ".wmv":
		return "video"
	case ".mp3":
		return "audio"
	default:
		return "document"
	}
}
