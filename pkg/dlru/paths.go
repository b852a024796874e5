package dlru

import "path/filepath"

func joinPath(dir, name string) string {
	return filepath.Join(dir, name)
}
