package upload

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/LearnCodeWithH/mokuro-online/internal/logger"
)

// stagingPrefix marks temp files owned by the upload pipeline.
const stagingPrefix = "mokuro_page_"

// stage writes data to a fresh temp file under dir (the system temp
// directory when dir is empty) and returns its path.
func stage(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, stagingPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage upload: %w", err)
	}
	return f.Name(), nil
}

// release removes a staged file. Missing files are fine; the job may have
// never staged or a previous sweep got there first.
func release(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove staged file", "path", path, "error", err)
	}
}

// SweepStaging removes leftover staged files from previous runs. Called once
// at startup; an unclean shutdown can strand staged pages whose jobs never
// completed.
func SweepStaging(dir string) int {
	if dir == "" {
		dir = os.TempDir()
	}

	matches, err := filepath.Glob(filepath.Join(dir, stagingPrefix+"*"))
	if err != nil {
		logger.Warn("staging sweep failed", "dir", dir, "error", err)
		return 0
	}

	removed := 0
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to remove stale staged file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("removed stale staged files", "dir", dir, "count", removed)
	}
	return removed
}
