// Package pathkey maps filesystem working directories to the opaque
// directory names used for on-disk session storage, and composes the
// durable session keys used across the rest of the system.
package pathkey

import (
	"crypto/md5"
	"fmt"
	"path/filepath"
	"strings"
)

// sentinel wraps every encoded directory name so encoded names are
// recognizable and the encoding is reversible.
const sentinel = "--"

// Encode converts an absolute path into a transcript directory name by
// replacing path separators with hyphens and wrapping the result in
// sentinel markers. Example: /home/u/app -> --home-u-app--.
func Encode(absPath string) string {
	p := filepath.ToSlash(filepath.Clean(absPath))
	p = strings.TrimPrefix(p, "/")
	return sentinel + strings.ReplaceAll(p, "/", "-") + sentinel
}

// Decode reverses Encode. The result is approximate when the original path
// itself contained hyphens: every hyphen decodes to a separator, so
// /home/u/my-app decodes to /home/u/my/app. Callers that need the exact
// path must keep it alongside the encoded name.
func Decode(dirName string) string {
	s := strings.TrimPrefix(dirName, sentinel)
	s = strings.TrimSuffix(s, sentinel)
	if s == "" {
		return "/"
	}
	return "/" + strings.ReplaceAll(s, "-", "/")
}

// IsEncoded reports whether name carries the sentinel markers of an
// encoded directory name.
func IsEncoded(name string) bool {
	return len(name) > 2*len(sentinel) &&
		strings.HasPrefix(name, sentinel) &&
		strings.HasSuffix(name, sentinel)
}

// Resolve converts p to a cleaned absolute path. It is idempotent on
// inputs that are already absolute.
func Resolve(p string) (string, error) {
	if filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	return filepath.Abs(p)
}

// ProjectID derives a stable, content-derived identifier from a project's
// absolute path. Equal paths always produce equal ids.
func ProjectID(absPath string) string {
	sum := md5.Sum([]byte(filepath.Clean(absPath)))
	return fmt.Sprintf("%x", sum)[:16]
}

// SessionKey composes the durable session key for a project path and a
// transcript id: <encoded dir>/<id>.
func SessionKey(projectPath, sessionID string) string {
	return Encode(projectPath) + "/" + sessionID
}

// SplitKey splits a session key into its encoded directory name and
// transcript id. ok is false when key does not look like a session key.
func SplitKey(key string) (dirName, sessionID string, ok bool) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	dirName, sessionID = key[:i], key[i+1:]
	if !IsEncoded(dirName) {
		return "", "", false
	}
	return dirName, sessionID, true
}
