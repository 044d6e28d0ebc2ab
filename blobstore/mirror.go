package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

var artifactPattern = regexp.MustCompile(`^(batch-\d{4,}\.txt(\.gz)?|counts\.txt|state\.json)$`)

// MirrorResult summarizes one mirror pass.
type MirrorResult struct {
	Uploaded []string
	Bytes    int64
}

// MirrorRun uploads a run's output artifacts (batch files, counts index,
// state) from outputDir to dst, plus any extra files given by path (for
// example a reference snapshot). Blob names are the file base names.
// Uploads stream through Create, so large batch files are never held in
// memory whole.
func MirrorRun(ctx context.Context, dst Store, outputDir string, extra ...string) (*MirrorResult, error) {
	des, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, err
	}

	res := &MirrorResult{}
	for _, de := range des {
		if de.IsDir() || !artifactPattern.MatchString(de.Name()) {
			continue
		}
		if err := mirrorFile(ctx, dst, filepath.Join(outputDir, de.Name()), de.Name(), res); err != nil {
			return res, err
		}
	}
	for _, path := range extra {
		if err := mirrorFile(ctx, dst, path, filepath.Base(path), res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func mirrorFile(ctx context.Context, dst Store, path, name string, res *MirrorResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(path) //nolint:gosec // G304: paths are caller-configured
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := dst.Create(ctx, name)
	if err != nil {
		return err
	}
	n, err := io.Copy(w, f)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	res.Uploaded = append(res.Uploaded, name)
	res.Bytes += n
	return nil
}
