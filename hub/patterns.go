package hub

import (
	"strings"

	"github.com/gobwas/glob"
)

// filterFilesByPattern keeps the repo files matching any allow pattern (all
// of them when there are none) and none of the ignore patterns. Patterns
// follow fnmatch: "*" also matches "/", so "*.json" selects JSON files at
// any depth, and a pattern ending in "/" selects everything below it.
func filterFilesByPattern(files []string, allowPatterns []string, ignorePatterns []string) []string {
	if len(allowPatterns) == 0 && len(ignorePatterns) == 0 {
		return files
	}

	allow := compilePatterns(allowPatterns)
	ignore := compilePatterns(ignorePatterns)

	var filtered []string
	for _, file := range files {
		if matchesAny(file, ignore) {
			continue
		}

		// include if no allow patterns or matches any allow pattern
		if len(allowPatterns) == 0 || matchesAny(file, allow) {
			filtered = append(filtered, file)
		}
	}

	return filtered
}

// compilePatterns drops patterns that do not compile.
func compilePatterns(patterns []string) []glob.Glob {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/") {
			pattern += "*"
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			continue
		}
		globs = append(globs, g)
	}
	return globs
}

func matchesAny(file string, globs []glob.Glob) bool {
	for _, g := range globs {
		if g.Match(file) {
			return true
		}
	}
	return false
}
