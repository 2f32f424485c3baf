package migrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/mirajehossain/bootwait/internal/fsutil"
)

// FileSource locates migration files. A nil FS means RootDir on local disk;
// otherwise RootDir is the directory inside FS.
type FileSource struct {
	FS      fs.FS
	RootDir string
}

func (src FileSource) open() (fs.FS, string) {
	if src.FS != nil {
		return src.FS, src.RootDir
	}
	return os.DirFS(src.RootDir), "."
}

// FilePair is a discovered migration with its up file loaded. Down files are
// only checked for pairing by the scanner; rollback is not supported.
type FilePair struct {
	Version  string
	Name     string
	UpPath   string
	UpBytes  []byte
	Checksum string
}

// Plan compares discovered files against the history table.
type Plan struct {
	Pending []FilePair // in apply order
	Applied map[string]Row
	All     []FilePair
}

var ErrDrift = errors.New("checksum drift detected")

// Discover loads and checksums every migration in src, ordered by version.
func Discover(src FileSource) ([]FilePair, error) {
	fsys, root := src.open()
	files, err := fsutil.Scan(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("scan migrations: %w", err)
	}

	all := make([]FilePair, 0, len(files))
	for _, f := range files {
		up, err := fs.ReadFile(fsys, f.UpPath)
		if err != nil {
			return nil, err
		}
		all = append(all, FilePair{
			Version:  f.Version,
			Name:     f.Name,
			UpPath:   f.UpPath,
			UpBytes:  up,
			Checksum: Checksum(up),
		})
	}
	return all, nil
}

// DiscoverAndPlan marks a file pending when it has no history row or its last
// attempt failed. A successful row whose checksum no longer matches the file
// is drift.
func DiscoverAndPlan(ctx context.Context, src FileSource, st *Storage) (*Plan, error) {
	all, err := Discover(src)
	if err != nil {
		return nil, err
	}
	applied, err := st.History(ctx)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Pending: make([]FilePair, 0, len(all)), Applied: applied, All: all}
	for _, fp := range all {
		k := Key(fp.Version, fp.Name)
		row, ok := applied[k]
		switch {
		case !ok, row.Status == StatusFailed:
			plan.Pending = append(plan.Pending, fp)
		case !strings.EqualFold(row.Checksum, fp.Checksum):
			return nil, fmt.Errorf("%w: %s (db=%s file=%s)", ErrDrift, k, row.Checksum, fp.Checksum)
		}
	}
	return plan, nil
}

// Checksum is the hex SHA-256 of an up file.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
