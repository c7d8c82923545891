package builders

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ShimLine is prepended to setup.py for projects whose packaging script
// relies on distutils but needs the setuptools subcommands.
const ShimLine = "import setuptools"

// InjectShim prepends ShimLine to sourceDir/setup.py unless the first
// non-blank line already is that import. It reports whether the file changed.
func InjectShim(sourceDir string) (bool, error) {
	path := filepath.Join(sourceDir, SetupScript)

	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("cannot inject setuptools: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("cannot inject setuptools: %w", err)
	}

	if firstLine(data) == ShimLine {
		return false, nil
	}

	patched := append([]byte(ShimLine+"\n"), data...)
	if err := os.WriteFile(path, patched, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("cannot inject setuptools: %w", err)
	}
	return true, nil
}

func firstLine(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line
		}
	}
	return ""
}
