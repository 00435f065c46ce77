package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// DetectedSetup is the result of looking for a Pikafish installation.
type DetectedSetup struct {
	BinaryPath string
	// NNUEPath is the evaluation network next to the binary, if any.
	NNUEPath string
	Errors   []string
}

// DetectPikafish looks for the engine binary in PIKAFISH_PATH, on PATH and
// in common install locations, then for its network file.
func DetectPikafish() (*DetectedSetup, error) {
	setup := &DetectedSetup{
		Errors: []string{},
	}

	binaryPath, err := findPikafishBinary(pikafishSearchPaths())
	if err != nil {
		setup.Errors = append(setup.Errors, fmt.Sprintf("Binary: %v", err))
		return setup, fmt.Errorf("pikafish not found:\n%s", strings.Join(setup.Errors, "\n"))
	}
	setup.BinaryPath = binaryPath

	if nnue, err := findNNUE(filepath.Dir(binaryPath)); err != nil {
		setup.Errors = append(setup.Errors, fmt.Sprintf("Network: %v", err))
	} else {
		setup.NNUEPath = nnue
	}

	return setup, nil
}

func pikafishSearchPaths() []string {
	paths := []string{
		os.Getenv("PIKAFISH_PATH"),
		"pikafish",
		"./engines/pikafish",
		"/usr/local/bin/pikafish",
		"/usr/bin/pikafish",
		"/opt/homebrew/bin/pikafish",
		"/opt/pikafish/pikafish",
	}
	if runtime.GOOS == "windows" {
		paths = append(paths,
			"C:\\Program Files\\Pikafish\\pikafish.exe",
			"C:\\Pikafish\\pikafish.exe",
		)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, "bin", "pikafish"),
			filepath.Join(home, ".local", "bin", "pikafish"),
			filepath.Join(home, "pikafish", "pikafish"),
		)
	}
	return paths
}

func findPikafishBinary(searchPaths []string) (string, error) {
	for _, path := range searchPaths {
		if path == "" {
			continue
		}

		if !filepath.IsAbs(path) && !strings.ContainsRune(path, filepath.Separator) {
			found, err := exec.LookPath(path)
			if err != nil {
				continue
			}
			path = found
		}

		if isExecutable(path) {
			return path, nil
		}
	}

	return "", fmt.Errorf("not found in PATH or common locations, download a release from https://github.com/official-pikafish/Pikafish/releases")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return strings.HasSuffix(strings.ToLower(path), ".exe")
	}
	return info.Mode()&0o111 != 0
}

// findNNUE looks for pikafish.nnue next to the binary and in its parent.
func findNNUE(dir string) (string, error) {
	for _, candidate := range []string{
		filepath.Join(dir, "pikafish.nnue"),
		filepath.Join(dir, "..", "pikafish.nnue"),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return filepath.Clean(candidate), nil
		}
	}
	return "", fmt.Errorf("pikafish.nnue not found in %s", dir)
}
