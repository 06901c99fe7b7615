package tor

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrTorNotFound - исполняемый файл tor не найден
var ErrTorNotFound = errors.New("tor: исполняемый файл не найден")

var searchDirs = []string{"/usr/bin", "/usr/local/bin", "/opt/homebrew/bin"}

func binaryName() string {
	if runtime.GOOS == "windows" {
		return "tor.exe"
	}
	return "tor"
}

// FindBinary ищет tor: явный путь, системные директории, <base>/bin, затем $PATH
func FindBinary(explicit, baseDir string) (string, error) {
	if explicit != "" {
		if isExecutable(explicit) {
			return explicit, nil
		}
		return "", ErrTorNotFound
	}

	name := binaryName()
	dirs := append(append([]string{}, searchDirs...), filepath.Join(baseDir, "bin"))
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	return "", ErrTorNotFound
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return fi.Mode()&0o111 != 0
}
