// Package pathsandbox canonicalizes user-supplied paths against a base
// directory, rejecting traversal, lookalike-unicode tricks, and symlink
// escapes before any file is touched. It is grounded on the teacher's
// internal/fsutil.ResolveWorkspacePath, generalized to a fixed rejection
// order: reject null bytes, home-directory tildes, absolute paths and
// literal "..", then unicode lookalikes and URL-encoded traversal, then
// resolve symlinks and check containment.
package pathsandbox

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PathTraversalError is raised for every rejection in safe_path/validate_glob_pattern.
type PathTraversalError struct {
	Input  string
	Reason string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path traversal rejected (%s): %q", e.Reason, e.Input)
}

// lookalikeRunes maps Unicode characters that visually resemble '.' or '/'
// to their ASCII equivalents, so traversal hidden behind homoglyphs is caught.
var lookalikeRunes = map[rune]rune{
	'．': '.', // fullwidth full stop
	'․': '.', // one dot leader
	'。': '.', // ideographic full stop
	'／': '/', // fullwidth solidus
	'⁄': '/', // fraction slash
	'∕': '/', // division slash
	'⧸': '/', // big solidus
}

func normalizeLookalikes(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	for _, r := range s {
		if repl, ok := lookalikeRunes[r]; ok {
			b.WriteRune(repl)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// decodeRounds applies up to two rounds of URL-decoding, returning every
// intermediate representation seen so traversal revealed by single or
// double percent-encoding is detected.
func decodeRounds(s string) []string {
	forms := []string{s}
	cur := s
	for i := 0; i < 2; i++ {
		decoded, err := url.QueryUnescape(cur)
		if err != nil || decoded == cur {
			break
		}
		forms = append(forms, decoded)
		cur = decoded
	}
	return forms
}

func containsTraversalComponent(p string) bool {
	p = filepath.ToSlash(p)
	for _, comp := range strings.Split(p, "/") {
		if comp == ".." {
			return true
		}
		if strings.HasPrefix(comp, "..") || strings.HasSuffix(comp, "..") {
			return true
		}
	}
	return false
}

// SafePath canonicalizes userPath against baseDir, applying the rejection
// order from ยง4.2:
//  1. null byte
//  2. tilde prefix
//  3. absolute path / Windows drive prefix
//  4. literal ".." component, or a component that starts/ends with ".."
//  5. Unicode dot/slash lookalikes
//  6. URL-encoded traversal (one or two decode rounds)
//  7. symlink anywhere along the path whose resolution escapes baseDir
func SafePath(baseDir, userPath string) (string, error) {
	if strings.ContainsRune(userPath, 0) {
		return "", &PathTraversalError{Input: userPath, Reason: "null byte"}
	}
	if strings.HasPrefix(userPath, "~") {
		return "", &PathTraversalError{Input: userPath, Reason: "tilde prefix"}
	}
	if filepath.IsAbs(userPath) || isWindowsDriveAbs(userPath) {
		return "", &PathTraversalError{Input: userPath, Reason: "absolute path"}
	}
	if containsTraversalComponent(userPath) {
		return "", &PathTraversalError{Input: userPath, Reason: "literal .. component"}
	}

	normalized := normalizeLookalikes(userPath)
	if normalized != userPath && containsTraversalComponent(normalized) {
		return "", &PathTraversalError{Input: userPath, Reason: "unicode lookalike traversal"}
	}

	for _, form := range decodeRounds(userPath) {
		if form == userPath {
			continue
		}
		if strings.ContainsRune(form, 0) || strings.HasPrefix(form, "~") || filepath.IsAbs(form) || containsTraversalComponent(form) {
			return "", &PathTraversalError{Input: userPath, Reason: "url-encoded traversal"}
		}
	}

	rootAbs, err := filepath.EvalSymlinks(filepath.Clean(baseDir))
	if err != nil {
		// Base dir may not exist yet in some callers; fall back to Clean.
		rootAbs = filepath.Clean(baseDir)
	}

	joined := filepath.Clean(filepath.Join(rootAbs, userPath))
	relPath, err := filepath.Rel(rootAbs, joined)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", &PathTraversalError{Input: userPath, Reason: "escapes base directory"}
	}

	if err := verifyNoSymlinkEscape(rootAbs, relPath); err != nil {
		return "", err
	}

	if resolved, statErr := os.Lstat(joined); statErr == nil && resolved.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(joined)
		if err != nil {
			return "", &PathTraversalError{Input: userPath, Reason: "unresolvable symlink"}
		}
		targetRel, err := filepath.Rel(rootAbs, target)
		if err != nil || targetRel == ".." || strings.HasPrefix(targetRel, ".."+string(filepath.Separator)) {
			return "", &PathTraversalError{Input: userPath, Reason: "symlink escapes base directory"}
		}
		return target, nil
	}

	return joined, nil
}

// verifyNoSymlinkEscape walks each path component from rootAbs down to the
// target, resolving symlinks one component at a time, so that an
// intermediate symlink whose target escapes the base is rejected even when
// the final path nominally resolves inside it.
func verifyNoSymlinkEscape(rootAbs, relPath string) error {
	if relPath == "." {
		return nil
	}
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	cur := rootAbs
	for i, part := range parts {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			// Component doesn't exist yet (common for files about to be
			// created); nothing further to resolve.
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return &PathTraversalError{Input: relPath, Reason: "unresolvable symlink component"}
			}
			targetRel, err := filepath.Rel(rootAbs, target)
			if err != nil || targetRel == ".." || strings.HasPrefix(targetRel, ".."+string(filepath.Separator)) {
				return &PathTraversalError{Input: relPath, Reason: "intermediate symlink escapes base directory"}
			}
			// Continue resolution from the real target for subsequent components.
			if i < len(parts)-1 {
				cur = target
			}
		}
	}
	return nil
}

func isWindowsDriveAbs(p string) bool {
	if len(p) < 2 {
		return false
	}
	c := p[0]
	return p[1] == ':' && ((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'))
}

// ValidateGlobPattern applies the structural rules from ยง4.2 to a glob
// pattern without touching the filesystem: no "..", no absolute path, no
// "**/.." traversal, no tilde.
func ValidateGlobPattern(pattern string) bool {
	if strings.ContainsRune(pattern, 0) {
		return false
	}
	if strings.HasPrefix(pattern, "~") {
		return false
	}
	if filepath.IsAbs(pattern) || isWindowsDriveAbs(pattern) {
		return false
	}
	if containsTraversalComponent(pattern) {
		return false
	}
	normalized := normalizeLookalikes(pattern)
	if normalized != pattern && containsTraversalComponent(normalized) {
		return false
	}
	return true
}

// Artifact describes a produced file with content hash and size, mirroring
// the wire format every component attaches to produced output.
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ReadFileSafe reads a file within baseDir with a size limit, resolving the
// path through SafePath first.
func ReadFileSafe(baseDir, relativePath string, maxBytes int64) ([]byte, error) {
	fullPath, err := SafePath(baseDir, relativePath)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes)
	return io.ReadAll(limited)
}

// WriteArtifactAtomic writes content under baseDir at relativePath using the
// atomic write pattern, after validating the path through SafePath.
func WriteArtifactAtomic(baseDir, relativePath string, content []byte) (Artifact, error) {
	fullPath, err := SafePath(baseDir, relativePath)
	if err != nil {
		return Artifact{}, err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Artifact{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		os.Remove(tmpName)
		return Artifact{}, fmt.Errorf("failed to rename temp file: %w", err)
	}

	hash := sha256.Sum256(content)
	return Artifact{
		Path:   relativePath,
		SHA256: fmt.Sprintf("sha256:%x", hash),
		Size:   int64(len(content)),
	}, nil
}
