package contextstore

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"

	"github.com/rcliao/agent-chat/internal/model"
)

const sniffLen = 8000

// isBinary reports whether data looks like something other than text.
func isBinary(data []byte) bool {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	return !utf8.Valid(data)
}

func digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func binaryMarker(size int64) string {
	return fmt.Sprintf("[binary file omitted: %d bytes]", size)
}

func unreadableMarker(err error) string {
	return fmt.Sprintf("[unreadable: %v]", err)
}

// fromBytes builds an attachment from raw content.
func fromBytes(path, name string, src model.SourceKind, data []byte, now time.Time) model.Attachment {
	a := model.Attachment{
		Path:   path,
		Name:   name,
		Size:   int64(len(data)),
		ReadAt: now,
		Source: src,
		Digest: digest(data),
	}
	if isBinary(data) {
		a.Binary = true
		a.Content = binaryMarker(a.Size)
	} else {
		a.Content = string(data)
	}
	return a
}

// readFile captures one file. A read failure yields a placeholder attachment
// and a problem rather than an error.
func readFile(path string, now time.Time) (model.Attachment, *model.AttachmentProblem) {
	data, err := os.ReadFile(path)
	if err != nil {
		var size int64
		if info, statErr := os.Stat(path); statErr == nil {
			size = info.Size()
		}
		return model.Attachment{
			Path:       path,
			Name:       filepath.Base(path),
			Size:       size,
			Content:    unreadableMarker(err),
			ReadAt:     now,
			Source:     model.SourceFile,
			Unreadable: true,
		}, &model.AttachmentProblem{Path: path, Err: err}
	}
	return fromBytes(path, filepath.Base(path), model.SourceFile, data, now), nil
}

// canonical resolves p to an absolute, symlink-free path when possible.
func canonical(p string) (string, error) {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

// backingFile returns the on-disk file behind an attachment path.
func backingFile(path string) string {
	if i := strings.Index(path, model.ArchiveSep); i >= 0 {
		return path[:i]
	}
	return path
}

// excluder matches exact canonical paths and glob patterns.
type excluder struct {
	exact map[string]bool
	globs []string
}

func newExcluder(patterns []string) excluder {
	x := excluder{exact: map[string]bool{}}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, "*?[") {
			x.globs = append(x.globs, p)
			if strings.ContainsRune(p, filepath.Separator) && !filepath.IsAbs(p) {
				if abs, err := filepath.Abs(p); err == nil {
					x.globs = append(x.globs, abs)
				}
			}
			continue
		}
		if c, err := canonical(p); err == nil {
			x.exact[c] = true
		}
		// A bare name also excludes any file or directory with that name.
		if !strings.ContainsRune(p, filepath.Separator) {
			x.globs = append(x.globs, p)
		}
	}
	return x
}

func (x excluder) empty() bool {
	return len(x.exact) == 0 && len(x.globs) == 0
}

// match reports whether path (canonical, or archive member name) is excluded.
func (x excluder) match(path string) bool {
	if x.exact[path] {
		return true
	}
	base := filepath.Base(path)
	for _, g := range x.globs {
		if ok, _ := filepath.Match(g, base); ok {
			return true
		}
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
	}
	return false
}
