package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AllowedExtensions lists the audio containers the decoder accepts.
var AllowedExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".aif":  true,
	".aiff": true,
}

// ValidationError reports a rejected input file before any decode work.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("audio validation failed for %s: %s", e.Path, e.Reason)
}

// ValidateFile checks that path points at a regular, non-symlinked audio
// file with an allowed extension and acceptable size. Returns the absolute
// path on success.
func ValidateFile(path string, maxBytes int64) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &ValidationError{Path: path, Reason: fmt.Sprintf("cannot resolve path: %v", err)}
	}

	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &ValidationError{Path: abs, Reason: "file does not exist"}
		}
		return "", &ValidationError{Path: abs, Reason: fmt.Sprintf("cannot stat: %v", err)}
	}

	if info.Mode()&os.ModeSymlink != 0 {
		return "", &ValidationError{Path: abs, Reason: "path must not be a symlink"}
	}
	if !info.Mode().IsRegular() {
		return "", &ValidationError{Path: abs, Reason: "path is not a regular file"}
	}

	ext := strings.ToLower(filepath.Ext(abs))
	if !AllowedExtensions[ext] {
		return "", &ValidationError{Path: abs, Reason: fmt.Sprintf("extension %q is not an allowed audio format", ext)}
	}

	if maxBytes > 0 && info.Size() > maxBytes {
		return "", &ValidationError{Path: abs, Reason: fmt.Sprintf("file size %d exceeds limit %d bytes", info.Size(), maxBytes)}
	}

	return abs, nil
}
