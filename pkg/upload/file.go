package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/openfroyo/convergence/pkg/engine"
)

// FileUploader copies reports into a local or mounted directory.
type FileUploader struct{}

// Put copies localPath into dir, creating dir if needed. The copy is written
// to a temporary file first and renamed into place.
func (FileUploader) Put(ctx context.Context, dir, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", engine.NewInputError("failed to open report", err).WithSubject(localPath)
	}
	defer src.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", engine.NewPermanentError("failed to create destination directory", err).WithSubject(dir)
	}

	target := filepath.Join(dir, filepath.Base(localPath))
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", engine.NewPermanentError("failed to create temporary file", err).WithSubject(dir)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		return "", engine.NewPermanentError(fmt.Sprintf("failed to copy report to %s", target), err)
	}
	if err := tmp.Close(); err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("failed to write %s", target), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("failed to set mode on %s", target), err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("failed to move report to %s", target), err)
	}
	return target, nil
}
