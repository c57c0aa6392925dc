package contextstore

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/rcliao/agent-chat/internal/model"
)

// maxMemberSize caps how much of a single archive member is read into memory.
const maxMemberSize = 16 << 20

type archiveKind int

const (
	notArchive archiveKind = iota
	archiveZip
	archiveTar
	archiveTarGzip
	archiveTarZstd
)

func detectArchive(path string) archiveKind {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return archiveZip
	case strings.HasSuffix(lower, ".tar"):
		return archiveTar
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return archiveTarGzip
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return archiveTarZstd
	}
	return notArchive
}

func memberPath(archive, member string) string {
	return archive + model.ArchiveSep + member
}

func memberName(archive, member string) string {
	return filepath.Base(archive) + ":" + member
}

// readArchive expands an archive in memory. Every regular member not matched
// by x becomes a virtual attachment.
func readArchive(path string, kind archiveKind, x excluder, now time.Time) ([]model.Attachment, error) {
	if kind == archiveZip {
		return readZip(path, x, now)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	switch kind {
	case archiveTarGzip:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	case archiveTarZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("zstd %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}
	return readTar(path, tar.NewReader(r), x, now)
}

func readTar(path string, tr *tar.Reader, x excluder, now time.Time) ([]model.Attachment, error) {
	var out []model.Attachment
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, fmt.Errorf("tar %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if x.match(name) {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxMemberSize))
		if err != nil {
			return out, fmt.Errorf("tar %s: %s: %w", path, name, err)
		}
		out = append(out, fromBytes(memberPath(path, name), memberName(path, name), model.SourceArchive, data, now))
	}
	return out, nil
}

func readZip(path string, x excluder, now time.Time) ([]model.Attachment, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("zip %s: %w", path, err)
	}
	defer zr.Close()

	var out []model.Attachment
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || x.match(f.Name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return out, fmt.Errorf("zip %s: %s: %w", path, f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, maxMemberSize))
		rc.Close()
		if err != nil {
			return out, fmt.Errorf("zip %s: %s: %w", path, f.Name, err)
		}
		out = append(out, fromBytes(memberPath(path, f.Name), memberName(path, f.Name), model.SourceArchive, data, now))
	}
	return out, nil
}
