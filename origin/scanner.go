package origin

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// Entry is one item of the shared tree, named relative to the share base with
// forward slashes.
type Entry struct {
	Name         string
	RelativePath string
	IsDir        bool
	Size         int64
}

// Scanner enumerates the shared directory, honoring exclude glob patterns.
// Patterns match against both the bare name and the slash-separated relative
// path, so "*.log" and "build/*" both work.
type Scanner struct {
	base     string
	excludes []string
}

func NewScanner(base string, excludes []string) *Scanner {
	return &Scanner{base: base, excludes: excludes}
}

func (s *Scanner) Excluded(name, relPath string) bool {
	for _, pattern := range s.excludes {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
		if ok, _ := path.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// List returns one directory level, directories first, each group sorted by
// name.
func (s *Scanner) List(relDir string) ([]Entry, error) {
	dir := filepath.Join(s.base, filepath.FromSlash(relDir))
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		rel := path.Join(relDir, de.Name())
		if s.Excluded(de.Name(), rel) {
			continue
		}

		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:         de.Name(),
			RelativePath: rel,
			IsDir:        de.IsDir(),
			Size:         info.Size(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	return entries, nil
}

// Walk visits every non-excluded regular file under relDir, depth-first.
func (s *Scanner) Walk(relDir string, fn func(Entry) error) error {
	root := filepath.Join(s.base, filepath.FromSlash(relDir))
	return filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relFS, err := filepath.Rel(s.base, p)
		if err != nil {
			return err
		}
		rel := filepath.ToSlash(relFS)
		if rel == "." {
			return nil
		}

		if s.Excluded(de.Name(), rel) {
			if de.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if de.IsDir() || !de.Type().IsRegular() {
			return nil
		}

		info, err := de.Info()
		if err != nil {
			return err
		}
		return fn(Entry{
			Name:         de.Name(),
			RelativePath: rel,
			IsDir:        false,
			Size:         info.Size(),
		})
	})
}
