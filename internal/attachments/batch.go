package attachments

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ticketbridge/internal/constants"
	"ticketbridge/internal/errors"
	"ticketbridge/internal/security"

	"github.com/sirupsen/logrus"
)

// File is a staged attachment ready to upload.
type File struct {
	Name string
	Path string
	Size int64
}

// Batch holds the outcome of one Process call.
type Batch struct {
	Files    []File
	Failed   []string // could not be fetched
	Rejected []string // extension or size policy

	dir    string
	logger *logrus.Logger
}

// Unavailable lists every attachment that did not make it into Files.
func (b *Batch) Unavailable() []string {
	out := make([]string, 0, len(b.Failed)+len(b.Rejected))
	out = append(out, b.Failed...)
	return append(out, b.Rejected...)
}

// AllFailed reports whether descriptors were given but none was staged.
func (b *Batch) AllFailed() bool {
	return len(b.Files) == 0 && len(b.Failed)+len(b.Rejected) > 0
}

// Names returns the staged file names in order.
func (b *Batch) Names() []string {
	names := make([]string, len(b.Files))
	for i, f := range b.Files {
		names[i] = f.Name
	}
	return names
}

func (b *Batch) stage(name string, data []byte) (File, error) {
	if err := os.MkdirAll(b.dir, constants.DefaultDirectoryPermissions); err != nil {
		return File{}, errors.Wrap(err, errors.ErrCodeAttachment, "failed to create batch directory")
	}

	// Prefix with the position so two attachments sharing a name do not collide.
	rel := strconv.Itoa(len(b.Files)) + "-" + safeName(name)
	if err := security.ValidateFilePathWithBase(rel, b.dir); err != nil {
		return File{}, errors.NewAttachmentError("stage", name, err)
	}

	path := filepath.Join(b.dir, rel)
	if err := os.WriteFile(path, data, constants.DefaultFilePermissions); err != nil {
		return File{}, errors.NewAttachmentError("stage", name, err)
	}
	return File{Name: safeName(name), Path: path, Size: int64(len(data))}, nil
}

// Cleanup removes the batch directory. It is safe to call more than once
// and on a batch that staged nothing.
func (b *Batch) Cleanup() {
	if b == nil || b.dir == "" {
		return
	}
	if err := os.RemoveAll(b.dir); err != nil && b.logger != nil {
		b.logger.WithError(err).WithField("file_path", b.dir).Warn("Failed to clean up attachment batch")
	}
	b.Files = nil
}

// safeName strips directory components and characters that are awkward in
// file names.
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"|?*`, r) {
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}
