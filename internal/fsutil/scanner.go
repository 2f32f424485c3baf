// Package fsutil finds migration files in a directory or an fs.FS.
package fsutil

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Direction of a migration file. Files without a suffix are Up.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

var fileRe = regexp.MustCompile(`^(\d+)_([a-zA-Z0-9_\-]+?)(?:\.(up|down))?\.sql$`)

// File is one migration: an up script and an optional down script.
type File struct {
	Version  string
	Name     string
	UpPath   string
	DownPath string
}

// Key identifies the file by version and name.
func (f File) Key() string { return f.Version + ":" + f.Name }

// ParseName splits NNN_name.up.sql, NNN_name.down.sql or NNN_name.sql.
func ParseName(filename string) (version, name string, dir Direction, ok bool) {
	m := fileRe.FindStringSubmatch(filename)
	if m == nil {
		return "", "", "", false
	}
	dir = Up
	if m[3] == string(Down) {
		dir = Down
	}
	return m[1], m[2], dir, true
}

// Scan lists migrations directly under root in fsys, ordered by version.
func Scan(fsys fs.FS, root string) ([]File, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, err
	}

	byKey := map[string]*File{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, dir, ok := ParseName(e.Name())
		if !ok {
			continue
		}
		f := byKey[version+":"+name]
		if f == nil {
			f = &File{Version: version, Name: name}
			byKey[f.Key()] = f
		}
		slot := &f.UpPath
		if dir == Down {
			slot = &f.DownPath
		}
		if *slot != "" {
			return nil, fmt.Errorf("duplicate %s file for %s", dir, f.Key())
		}
		*slot = path.Join(root, e.Name())
	}

	files := make([]File, 0, len(byKey))
	for k, f := range byKey {
		if f.UpPath == "" {
			return nil, fmt.Errorf("missing up file for %s", k)
		}
		files = append(files, *f)
	}
	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if c := CompareVersions(a.Version, b.Version); c != 0 {
			return c < 0
		}
		return a.Name < b.Name
	})
	return files, nil
}

// CompareVersions orders digit strings numerically without overflowing.
func CompareVersions(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
