package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"marketpipeline/internal/task"
)

const archiveExt = ".msgpack"

// Archive keeps one msgpack file per batch run, named
// <extractor>-<UTC timestamp>.msgpack.
type Archive struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewArchive creates an archive rooted at dir on fs.
func NewArchive(fs afero.Fs, dir string) *Archive {
	return &Archive{fs: fs, dir: dir, now: time.Now}
}

// Archive stores r and returns the written path.
func (a *Archive) Archive(ctx context.Context, r task.ExtractorResult) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := task.EncodeResult(r)
	if err != nil {
		return "", err
	}
	if err := a.fs.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", a.dir, err)
	}

	name := fmt.Sprintf("%s-%s%s", r.ExtractorName, a.now().UTC().Format("20060102T150405.000000000"), archiveExt)
	path := filepath.Join(a.dir, name)
	tmp := path + ".tmp"
	if err := afero.WriteFile(a.fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := a.fs.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename %s: %w", tmp, err)
	}
	return path, nil
}

// Latest loads the most recent archived run of extractor. ok is false when
// there is none.
func (a *Archive) Latest(extractor string) (r task.ExtractorResult, ok bool, err error) {
	matches, err := afero.Glob(a.fs, filepath.Join(a.dir, extractor+"-*"+archiveExt))
	if err != nil {
		return task.ExtractorResult{}, false, err
	}
	if len(matches) == 0 {
		return task.ExtractorResult{}, false, nil
	}
	// timestamps sort lexically
	sort.Strings(matches)
	latest := matches[len(matches)-1]

	data, err := afero.ReadFile(a.fs, latest)
	if err != nil {
		return task.ExtractorResult{}, false, err
	}
	r, err = task.DecodeResult(data)
	if err != nil {
		return task.ExtractorResult{}, false, fmt.Errorf("decode %s: %w", strings.TrimPrefix(latest, a.dir), err)
	}
	return r, true, nil
}
