package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"ingestd/internal/ingesterr"
)

// RewireSymlinks walks managedFiles and, for each symlink whose target is under
// altOutputFolder, replaces it atomically with a symlink targeting the corresponding
// path under the shared ".processed/" tree. altToFull maps an alt_output_folder path (as
// produced by the preprocessor) to its full_path counterpart.
//
// Rewiring always creates the new link first and renames it into place, never
// unlinks-then-creates, so the repository never observes a broken link.
func RewireSymlinks(managedFiles []string, altOutputFolder string, altToFull map[string]string) (int, error) {
	rewired := 0
	for _, symlinkPath := range managedFiles {
		target, err := os.Readlink(symlinkPath)
		if err != nil {
			continue // not a symlink; nothing to rewire
		}
		if !strings.HasPrefix(target, altOutputFolder) {
			continue
		}
		newTarget, ok := altToFull[target]
		if !ok {
			newTarget, ok = matchByBasename(target, altToFull)
		}
		if !ok {
			return rewired, ingesterr.New(ingesterr.RewireFailed,
				fmt.Sprintf("no full_path mapping for managed symlink target %s", target))
		}
		if err := replaceSymlinkAtomic(symlinkPath, newTarget); err != nil {
			return rewired, ingesterr.Wrap(ingesterr.RewireFailed,
				fmt.Sprintf("failed to rewire %s", symlinkPath), err)
		}
		rewired++
	}
	return rewired, nil
}

func matchByBasename(target string, altToFull map[string]string) (string, bool) {
	base := filepath.Base(target)
	for alt, full := range altToFull {
		if filepath.Base(alt) == base {
			return full, true
		}
	}
	return "", false
}

func replaceSymlinkAtomic(path, target string) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".rewire-"+uuid.NewString())
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
