package vision

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// pretrainedFiles maps architecture names to the conventional weight file
// names inside a cache directory.
var pretrainedFiles = map[string]string{
	"densenet121": "densenet121.npz",
	"densenet169": "densenet169.npz",
	"densenet201": "densenet201.npz",
}

// DefaultCacheDir returns the per-user directory where pretrained weight
// files are kept.
func DefaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve cache directory: %v", err)
	}
	return filepath.Join(base, "mads-capstone", "weights"), nil
}

// PretrainedPath resolves the weight file for an architecture inside
// cacheDir. Obtaining the file is the caller's concern; this reports where
// it must live and whether it is there.
func PretrainedPath(architecture, cacheDir string) (string, error) {
	file, ok := pretrainedFiles[architecture]
	if !ok {
		return "", fmt.Errorf("no pretrained weights known for architecture %s", architecture)
	}
	path := filepath.Join(cacheDir, file)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("pretrained weights for %s not found at %s", architecture, path)
	}
	return path, nil
}

// InstallPretrained copies a weight file obtained out of band into the cache
// directory under the conventional name and returns the installed path.
func InstallPretrained(architecture, cacheDir string, r io.Reader) (string, error) {
	file, ok := pretrainedFiles[architecture]
	if !ok {
		return "", fmt.Errorf("no pretrained weights known for architecture %s", architecture)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %v", err)
	}
	path := filepath.Join(cacheDir, file)
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create weight file: %v", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return "", fmt.Errorf("failed to write weight file: %v", err)
	}
	return path, nil
}
