package builtin

import (
	"os"
	"path/filepath"
	"strings"

	agenterrors "agentcore/internal/errors"
)

// resolveWorkspacePath confines raw to base. Relative paths are taken from
// base; absolute paths must already point inside it. Symlinks are resolved
// for the longest existing prefix so a link cannot escape the workspace.
func resolveWorkspacePath(base, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", agenterrors.Runtimef("path cannot be empty")
	}
	target := trimmed
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)
	if !pathWithinBase(base, target) {
		return "", agenterrors.Denied("path %s is outside the session workspace", raw)
	}

	realBase, ok := evalExistingPrefix(base)
	if !ok {
		realBase = base
	}
	if real, ok := evalExistingPrefix(target); ok && !pathWithinBase(realBase, real) {
		return "", agenterrors.Denied("path %s resolves outside the session workspace", raw)
	}
	return target, nil
}

func evalExistingPrefix(path string) (string, bool) {
	rest := ""
	for p := path; ; p = filepath.Dir(p) {
		if _, err := os.Lstat(p); err == nil {
			real, err := filepath.EvalSymlinks(p)
			if err != nil {
				return "", false
			}
			return filepath.Join(real, rest), true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", false
		}
		rest = filepath.Join(filepath.Base(p), rest)
	}
}

func pathWithinBase(base, target string) bool {
	baseClean, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return false
	}
	targetClean, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if strings.HasPrefix(rel, ".."+string(filepath.Separator)) || rel == ".." {
		return false
	}
	return true
}

func displayPath(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return rel
	}
	return path
}
