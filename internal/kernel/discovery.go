package kernel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Bundle file names every plugin directory must provide.
const (
	manifestFile = "manifest.json"
	entryFile    = "main.lua"
)

// Candidate is a plugin bundle found on disk. Discovery checks only for the
// presence of the two bundle files; nothing is parsed or validated.
type Candidate struct {
	ID           string
	Dir          string
	ManifestPath string
	EntryPath    string
}

// discover scans the given paths for plugin bundles. A bundle is a directory
// containing both manifest.json and main.lua; directories missing either are
// skipped. Candidates are returned sorted by id; on duplicate ids the
// earliest path wins.
func discover(paths []string) ([]Candidate, error) {
	seen := make(map[string]bool)
	var out []Candidate

	for _, base := range paths {
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", base, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			id := entry.Name()
			if seen[id] {
				continue
			}
			dir := filepath.Join(base, id)
			c := Candidate{
				ID:           id,
				Dir:          dir,
				ManifestPath: filepath.Join(dir, manifestFile),
				EntryPath:    filepath.Join(dir, entryFile),
			}
			if !fileExists(c.ManifestPath) || !fileExists(c.EntryPath) {
				continue
			}
			seen[id] = true
			out = append(out, c)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// findCandidate locates one bundle by id across the plugin paths.
func findCandidate(paths []string, id string) (Candidate, bool, error) {
	candidates, err := discover(paths)
	if err != nil {
		return Candidate{}, false, err
	}
	for _, c := range candidates {
		if c.ID == id {
			return c, true, nil
		}
	}
	return Candidate{}, false, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
