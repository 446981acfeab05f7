package sandbox

import (
	"regexp"
	"sort"
	"strings"

	agenterrors "agentcore/internal/errors"
	"agentcore/internal/policy"
)

// Python statements can follow a semicolon or a block colon on the same
// line, so the statement start is any of those.
var (
	pyImport     = regexp.MustCompile(`(?m)(?:^|[;:])[ \t]*import[ \t]+([^#\n;]+)`)
	pyFromImport = regexp.MustCompile(`(?m)(?:^|[;:])[ \t]*from[ \t]+([A-Za-z_][\w.]*)[ \t]+import\b`)
	pyDynamic    = regexp.MustCompile("(?:__import__|import_module)\\s*\\(\\s*['\"]([\\w.]+)['\"]")

	nodeRequire = regexp.MustCompile("\\brequire\\s*\\(\\s*['\"`]([^'\"`]+)['\"`]\\s*\\)")
	nodeImport  = regexp.MustCompile(`(?m)(?:^|;)[ \t]*import\s+(?:[\w*{}\s,$]+\s+from\s+)?['"]([^'"]+)['"]`)
	nodeDynamic = regexp.MustCompile("\\bimport\\s*\\(\\s*['\"`]([^'\"`]+)['\"`]\\s*\\)")

	sudoToken = regexp.MustCompile(`(?:^|[\s;&|('"])(?:sudo|doas)(?:$|[\s;&|)'"])`)
)

// Validate applies every pre-execution policy check. A non-nil result is a
// denied error and nothing may be started for the job.
func Validate(p *policy.Policy, job Job) *agenterrors.ToolError {
	switch job.Language {
	case LanguagePython, LanguageBash, LanguageNode:
	default:
		return agenterrors.Denied("unsupported language %q", job.Language)
	}
	if strings.TrimSpace(job.Source) == "" {
		return agenterrors.Denied("empty %s job", job.Language)
	}
	if len(job.Source) > p.MaxCodeSize() {
		return agenterrors.Denied("code size %d exceeds the %d byte limit", len(job.Source), p.MaxCodeSize())
	}
	if pattern, blocked := p.BlockedPattern(job.Source); blocked {
		return agenterrors.Denied("matches blocked pattern %q", pattern)
	}
	if !p.AllowSudo() && sudoToken.MatchString(job.Source) {
		return agenterrors.Denied("privilege escalation is disabled")
	}
	for _, module := range ImportedModules(job.Language, job.Source) {
		if !p.ModuleAllowed(module) {
			return agenterrors.Denied("module %q is not in the allowed set", module)
		}
	}
	for _, path := range job.Artifacts {
		if _, ok := cleanRelative(path); !ok {
			return agenterrors.Denied("artifact path %q escapes the job directory", path)
		}
	}
	return nil
}

// ImportedModules returns the sorted, de-duplicated modules a code body
// imports. Relative imports and __future__ are skipped.
func ImportedModules(lang Language, source string) []string {
	seen := map[string]struct{}{}
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || name == "__future__" || strings.HasPrefix(name, ".") {
			return
		}
		seen[name] = struct{}{}
	}

	switch lang {
	case LanguagePython:
		for _, m := range pyImport.FindAllStringSubmatch(source, -1) {
			for _, part := range strings.Split(m[1], ",") {
				fields := strings.Fields(part)
				if len(fields) > 0 {
					add(fields[0])
				}
			}
		}
		for _, re := range []*regexp.Regexp{pyFromImport, pyDynamic} {
			for _, m := range re.FindAllStringSubmatch(source, -1) {
				add(m[1])
			}
		}
	case LanguageNode:
		for _, re := range []*regexp.Regexp{nodeRequire, nodeImport, nodeDynamic} {
			for _, m := range re.FindAllStringSubmatch(source, -1) {
				add(nodeModuleRoot(m[1]))
			}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// nodeModuleRoot reduces "node:fs/promises" to "fs" and "@scope/pkg/x" to
// "@scope/pkg".
func nodeModuleRoot(spec string) string {
	spec = strings.TrimPrefix(spec, "node:")
	if strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") {
		return ""
	}
	parts := strings.Split(spec, "/")
	if strings.HasPrefix(spec, "@") && len(parts) > 1 {
		return parts[0] + "/" + parts[1]
	}
	return parts[0]
}
