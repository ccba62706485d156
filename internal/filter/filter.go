// Package filter provides the two selection predicates used while tailing:
// a FileFilter deciding which files are watched (by base name) and a
// LineFilter deciding which lines are delivered (by content). Both default to
// selecting everything.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// FileFilter reports whether the file with the given base name should be
// tailed.
type FileFilter func(name string) bool

// LineFilter reports whether a line, including its terminator, should be
// delivered to the consumer.
type LineFilter func(line string) bool

// All is the identity predicate. It accepts every input.
func All(string) bool { return true }

// Glob returns a FileFilter matching base names against any of patterns.
// Patterns use the gobwas/glob syntax ("*.log", "app-?.{log,txt}"). An empty
// pattern list selects every file.
func Glob(patterns ...string) (FileFilter, error) {
	if len(patterns) == 0 {
		return All, nil
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("filter: compile glob %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	return func(name string) bool {
		for _, g := range globs {
			if g.Match(name) {
				return true
			}
		}
		return false
	}, nil
}

// Regexp returns a LineFilter selecting lines that match expr. An empty
// expression selects every line.
func Regexp(expr string) (LineFilter, error) {
	if expr == "" {
		return All, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("filter: compile regexp %q: %w", expr, err)
	}
	return re.MatchString, nil
}

// Contains returns a LineFilter selecting lines containing substr.
func Contains(substr string) LineFilter {
	return func(line string) bool {
		return strings.Contains(line, substr)
	}
}
