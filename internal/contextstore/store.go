// Package contextstore owns the file content attached to a session.
package contextstore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/agent-chat/internal/budget"
	"github.com/rcliao/agent-chat/internal/logging"
	"github.com/rcliao/agent-chat/internal/model"
)

// Store holds attachments keyed by canonical path.
type Store struct {
	mu     sync.Mutex
	items  map[string]model.Attachment
	logger *zap.Logger
	now    func() time.Time
}

// New returns an empty store.
func New(logger *zap.Logger) *Store {
	return &Store{
		items:  map[string]model.Attachment{},
		logger: logging.OrNop(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AttachOptions controls one attach.
type AttachOptions struct {
	// Exclude holds exact paths or glob patterns, checked before any read.
	Exclude []string
	// WarnTokens is the projected prompt size above which a warning is raised.
	// Zero disables the check.
	WarnTokens int
	// BaseTokens is the caller's current prompt estimate.
	BaseTokens int
	// OnWarn, if set, is called before the attach is committed.
	OnWarn func(TokenWarning)
}

// TokenWarning tells the caller an attach pushes the prompt past the warn
// threshold. It never blocks the attach.
type TokenWarning struct {
	Projected int      `json:"projected"`
	Threshold int      `json:"threshold"`
	Added     int      `json:"added"`
	Paths     []string `json:"paths"`
}

func (w TokenWarning) String() string {
	return fmt.Sprintf("attaching %d file(s) adds ~%d tokens; prompt estimate ~%d exceeds warn threshold %d",
		len(w.Paths), w.Added, w.Projected, w.Threshold)
}

// AttachResult reports what an attach did.
type AttachResult struct {
	Added    []model.Attachment        `json:"added"`
	Replaced int                       `json:"replaced"`
	Problems []model.AttachmentProblem `json:"-"`
	Warning  *TokenWarning             `json:"warning,omitempty"`
}

// Attach captures a file, directory, or archive. Attaching a path that is
// already present replaces it.
func (s *Store) Attach(path string, opts AttachOptions) (*AttachResult, error) {
	root, err := canonical(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", path, err)
	}

	x := newExcluder(opts.Exclude)
	res := &AttachResult{}
	if x.match(root) {
		return res, nil
	}

	now := s.now()
	var staged []model.Attachment
	switch {
	case info.IsDir():
		staged, res.Problems = walkDir(root, x, now)
	case detectArchive(root) != notArchive:
		members, err := readArchive(root, detectArchive(root), x, now)
		if err != nil && len(members) == 0 {
			return nil, fmt.Errorf("attach %s: %w", path, err)
		}
		if err != nil {
			res.Problems = append(res.Problems, model.AttachmentProblem{Path: root, Err: err})
		}
		staged = members
	default:
		a, problem := readFile(root, now)
		staged = []model.Attachment{a}
		if problem != nil {
			res.Problems = append(res.Problems, *problem)
		}
	}
	for _, p := range res.Problems {
		s.logger.Warn("attachment unreadable", zap.String("path", p.Path), zap.Error(p.Err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.WarnTokens > 0 && len(staged) > 0 {
		var existing []model.Attachment
		for _, a := range staged {
			if old, ok := s.items[a.Path]; ok {
				existing = append(existing, old)
			}
		}
		added := budget.AttachmentTokens(staged) - budget.AttachmentTokens(existing)
		projected := opts.BaseTokens + added
		if projected > opts.WarnTokens {
			w := TokenWarning{Projected: projected, Threshold: opts.WarnTokens, Added: added}
			for _, a := range staged {
				w.Paths = append(w.Paths, a.Path)
			}
			res.Warning = &w
			if opts.OnWarn != nil {
				opts.OnWarn(w)
			}
		}
	}

	for _, a := range staged {
		if _, ok := s.items[a.Path]; ok {
			res.Replaced++
		}
		s.items[a.Path] = a
	}
	res.Added = staged
	s.logger.Debug("attached", zap.String("path", root), zap.Int("files", len(staged)), zap.Int("replaced", res.Replaced))
	return res, nil
}

func walkDir(root string, x excluder, now time.Time) ([]model.Attachment, []model.AttachmentProblem) {
	var out []model.Attachment
	var problems []model.AttachmentProblem
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			problems = append(problems, model.AttachmentProblem{Path: p, Err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if p != root && x.match(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		a, problem := readFile(p, now)
		out = append(out, a)
		if problem != nil {
			problems = append(problems, *problem)
		}
		return nil
	})
	return out, problems
}

// Detach removes the attachment at path, every attachment under it when it is
// a directory or archive, or, failing that, attachments whose display name
// equals name. It returns the removed canonical paths.
func (s *Store) Detach(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	if root, err := canonical(name); err == nil {
		for p := range s.items {
			if p == root || strings.HasPrefix(p, root+string(filepath.Separator)) || strings.HasPrefix(p, root+model.ArchiveSep) {
				removed = append(removed, p)
			}
		}
	}
	if len(removed) == 0 {
		for p, a := range s.items {
			if a.Name == name || filepath.Base(backingFile(p)) == name {
				removed = append(removed, p)
			}
		}
	}
	for _, p := range removed {
		delete(s.items, p)
	}
	sort.Strings(removed)
	return removed
}

// Exclude removes attachments matching pattern (exact path or glob) and
// returns their paths.
func (s *Store) Exclude(pattern string) []string {
	x := newExcluder([]string{pattern})
	if x.empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for p := range s.items {
		member := ""
		if i := strings.Index(p, model.ArchiveSep); i >= 0 {
			member = p[i+len(model.ArchiveSep):]
		}
		if x.match(p) || (member != "" && x.match(member)) || excludedByDir(x, backingFile(p)) {
			removed = append(removed, p)
		}
	}
	for _, p := range removed {
		delete(s.items, p)
	}
	sort.Strings(removed)
	return removed
}

// excludedByDir reports whether any parent directory of p matches x.
func excludedByDir(x excluder, p string) bool {
	for dir := filepath.Dir(p); dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		if x.match(dir) {
			return true
		}
	}
	return false
}

// RefreshReport lists what a refresh did, by display name.
type RefreshReport struct {
	Updated   []string                  `json:"updated"`
	Unchanged []string                  `json:"unchanged"`
	Stale     []string                  `json:"stale"`
	Problems  []model.AttachmentProblem `json:"-"`
}

// Refresh re-reads attachments from disk. With a non-empty filter only
// attachments whose display name contains it (case-insensitive) are
// refreshed. Attachments whose backing file is gone are marked stale and kept.
func (s *Store) Refresh(filter string) RefreshReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report RefreshReport
	filter = strings.ToLower(filter)
	now := s.now()
	archives := map[string]map[string]model.Attachment{}

	for _, p := range s.sortedPaths() {
		a := s.items[p]
		if filter != "" && !strings.Contains(strings.ToLower(a.Name), filter) {
			continue
		}

		var fresh model.Attachment
		found := true
		if a.Source == model.SourceArchive {
			archive := backingFile(p)
			members, ok := archives[archive]
			if !ok {
				members = s.rereadArchive(archive, now, &report)
				archives[archive] = members
			}
			fresh, found = members[p]
		} else {
			if _, err := os.Stat(p); os.IsNotExist(err) {
				found = false
			} else {
				var problem *model.AttachmentProblem
				fresh, problem = readFile(p, now)
				if problem != nil {
					report.Problems = append(report.Problems, *problem)
					s.logger.Warn("refresh failed", zap.String("path", p), zap.Error(problem.Err))
					continue
				}
			}
		}

		if !found {
			a.Stale = true
			s.items[p] = a
			report.Stale = append(report.Stale, a.Name)
			continue
		}
		if fresh.Digest == a.Digest && !a.Stale && !a.Unreadable {
			a.ReadAt = now
			s.items[p] = a
			report.Unchanged = append(report.Unchanged, a.Name)
			continue
		}
		fresh.Name = a.Name
		s.items[p] = fresh
		report.Updated = append(report.Updated, a.Name)
	}
	return report
}

func (s *Store) rereadArchive(archive string, now time.Time, report *RefreshReport) map[string]model.Attachment {
	members := map[string]model.Attachment{}
	if _, err := os.Stat(archive); err != nil {
		return members
	}
	atts, err := readArchive(archive, detectArchive(archive), excluder{}, now)
	if err != nil {
		report.Problems = append(report.Problems, model.AttachmentProblem{Path: archive, Err: err})
		s.logger.Warn("refresh archive failed", zap.String("path", archive), zap.Error(err))
	}
	for _, a := range atts {
		members[a.Path] = a
	}
	return members
}

func (s *Store) sortedPaths() []string {
	paths := make([]string, 0, len(s.items))
	for p := range s.items {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// List returns attachments by descending size, ties broken by path.
func (s *Store) List() []model.Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Attachment, 0, len(s.items))
	for _, a := range s.items {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Size != out[j].Size {
			return out[i].Size > out[j].Size
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Len returns the number of attachments.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// TotalSize returns the summed byte size of all attachments.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, a := range s.items {
		total += a.Size
	}
	return total
}

// Restore replaces the store's contents with a saved manifest without
// reading disk.
func (s *Store) Restore(atts []model.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]model.Attachment, len(atts))
	for _, a := range atts {
		s.items[a.Path] = a
	}
}

// Clear removes every attachment.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = map[string]model.Attachment{}
}
