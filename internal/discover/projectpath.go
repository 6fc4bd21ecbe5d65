package discover

import (
	"os"
	"path/filepath"
	"strings"
)

// EncodeProjectPath converts a working directory into the directory name
// used under the log root: every path separator, including the leading
// one, becomes a dash. /home/user/proj -> -home-user-proj.
func EncodeProjectPath(path string) string {
	return strings.ReplaceAll(filepath.Clean(path), "/", "-")
}

// DecodeProjectPath recovers the working directory from an encoded
// project directory name. The encoding is lossy for paths that contain
// dashes, so candidates are checked against the filesystem from the
// most-slashes interpretation down.
func DecodeProjectPath(encoded string) string {
	if !strings.HasPrefix(encoded, "-") {
		return encoded
	}

	parts := strings.Split(encoded[1:], "-")
	for slashes := len(parts); slashes > 0; slashes-- {
		candidate := "/" + strings.Join(parts[:slashes], "/")
		if slashes < len(parts) {
			candidate += "/" + strings.Join(parts[slashes:], "-")
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	// Nothing on disk matched; best effort with all dashes as slashes.
	return "/" + strings.Join(parts, "/")
}

// ProjectDirFor returns the encoded project directory path under root
// for a given working directory.
func ProjectDirFor(root, workingDir string) string {
	return filepath.Join(root, EncodeProjectPath(workingDir))
}
