package upload

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
)

// PathEvaluator turns command line path arguments into absolute paths of existing files.
type PathEvaluator struct {
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	logger       log.Logger
}

// NewPathEvaluator creates a PathEvaluator that resolves paths with pathModifier and checks them with pathChecker.
func NewPathEvaluator(pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker, logger log.Logger) PathEvaluator {
	return PathEvaluator{
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		logger:       logger,
	}
}

// Evaluate expands wildcard patterns (including `**`), resolves `~` and env vars,
// and drops paths that don't exist. Duplicates are kept once, in argument order.
func (e PathEvaluator) Evaluate(paths []string) []string {
	var expandedPaths []string
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := e.pathModifier.AbsPath(base)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", base, err)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
		if err != nil {
			e.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			e.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := e.pathModifier.AbsPath(path)
		if err != nil {
			e.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := e.pathChecker.IsPathExists(absPath)
		if err != nil {
			e.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			e.logger.Warnf("File doesn't exist: %s", path)
			continue
		}

		if seen[absPath] {
			continue
		}
		seen[absPath] = true
		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths
}
