package server

import (
	"os"
	"path/filepath"
	"strings"
)

// resolvePath joins a request path onto the document root and reports
// whether the result stays inside it.
func resolvePath(docRoot, reqPath string) (string, bool) {
	for _, seg := range strings.Split(reqPath, "/") {
		if seg == ".." {
			return "", false
		}
	}
	absBase, err := filepath.Abs(docRoot)
	if err != nil {
		return "", false
	}
	full := filepath.Join(absBase, filepath.FromSlash(reqPath))
	if full != absBase && !strings.HasPrefix(full, absBase+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

// statusForFile classifies a resolved path: 404 when missing or a
// directory, 403 when others may not read it, 0 when it can be served.
func statusForFile(full string) (os.FileInfo, int) {
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, 404
	}
	if info.Mode().Perm()&0o004 == 0 {
		return info, 403
	}
	return info, 0
}
