// Package ignore implements the ignore-pattern matcher: a minimal
// git-style path/basename wildcard matcher.
//
// Grounded on stdlib path/filepath.Match for wildcard semantics (`*` as
// the only supported wildcard); no third-party gitignore-parser targets
// this narrow a subset (plain `*` globs over path components and
// basenames, no `**`, no negation), so reaching for one would add a
// dependency surface wider than the matcher's own rules.
package ignore

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultPatterns are always active, on top of whatever a workspace's
// own .pearsyncignore file adds.
var DefaultPatterns = []string{
	"node_modules",
	".git",
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*.swo",
	"*~",
	".env",
	".env.local",
	".pearsyncignore",
}

// Matcher holds the effective pattern list for one workspace.
type Matcher struct {
	patterns []string
}

// New builds a Matcher from the default patterns plus extra (typically the
// contents of a workspace's .pearsyncignore).
func New(extra []string) *Matcher {
	patterns := make([]string, 0, len(DefaultPatterns)+len(extra))
	patterns = append(patterns, DefaultPatterns...)
	patterns = append(patterns, extra...)
	return &Matcher{patterns: patterns}
}

// Load builds a Matcher for workspaceRoot, reading .pearsyncignore there if
// present. A missing file is not an error: the default patterns alone
// apply.
func Load(workspaceRoot string) (*Matcher, error) {
	f, err := os.Open(filepath.Join(workspaceRoot, ".pearsyncignore"))
	if os.IsNotExist(err) {
		return New(nil), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var extra []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		extra = append(extra, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return New(extra), nil
}

// Match reports whether relPath (slash-separated, relative to the
// workspace root) is ignored: matched as a whole path, as any path
// component (directory-name patterns like "node_modules" or ".git"
// ignore the entire subtree), or as the final basename.
func (m *Matcher) Match(relPath string) bool {
	relPath = path.Clean(filepath.ToSlash(relPath))
	base := path.Base(relPath)
	parts := strings.Split(relPath, "/")

	for _, pat := range m.patterns {
		pat = strings.TrimSuffix(pat, "/")
		if ok, _ := path.Match(pat, relPath); ok {
			return true
		}
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
		for _, part := range parts {
			if ok, _ := path.Match(pat, part); ok {
				return true
			}
		}
	}
	return false
}
