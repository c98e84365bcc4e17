package wetlands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// trashDirectory returns a per-user trash directory, following the
// freedesktop.org trash specification's layout on every platform for
// simplicity (a real desktop environment's own trash can is out of scope;
// see DESIGN.md).
func trashDirectory() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "Trash", "files"), nil
}

// trashDestination builds a collision-free destination path for moving path
// into trashDir, suffixing with a timestamp when a file of the same name is
// already there.
func trashDestination(trashDir, path string) string {
	base := filepath.Base(path)
	dest := filepath.Join(trashDir, base)
	if _, err := os.Stat(dest); err == nil {
		dest = filepath.Join(trashDir, fmt.Sprintf("%s.%d", base, time.Now().UnixNano()))
	}
	return dest
}
