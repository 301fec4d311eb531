package filter

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/textfile"

	"github.com/spf13/pflag"
)

// RejectByNameFunc returns true if the file at path should be excluded.
type RejectByNameFunc func(path string) bool

// IncludeByNameFunc returns whether item should be included and whether a
// child of item may match.
type IncludeByNameFunc func(item string) (matched bool, childMayMatch bool)

// RejectByPattern returns a RejectByNameFunc which rejects files that match
// one of the patterns.
func RejectByPattern(patterns []string, warnf func(msg string, args ...any)) RejectByNameFunc {
	parsedPatterns := ParsePatterns(patterns)
	return func(item string) bool {
		matched, err := List(parsedPatterns, item)
		if err != nil && warnf != nil {
			warnf("error for exclude pattern: %v", err)
		}

		if matched {
			debug.Log("path %q excluded by an exclude pattern", item)
			return true
		}

		return false
	}
}

// IncludeByPattern returns a IncludeByNameFunc which includes files that match
// one of the patterns.
func IncludeByPattern(patterns []string, warnf func(msg string, args ...any)) IncludeByNameFunc {
	parsedPatterns := ParsePatterns(patterns)
	return func(item string) (matched bool, childMayMatch bool) {
		matched, childMayMatch, err := ListWithChild(parsedPatterns, item)
		if err != nil && warnf != nil {
			warnf("error for include pattern: %v", err)
		}

		return matched, childMayMatch
	}
}

// readPatternsFromFiles reads all files and returns the list of patterns.
// Blank lines and lines starting with '#' are ignored, environment variables
// are expanded. A literal dollar sign is written as $$.
func readPatternsFromFiles(files []string) ([]string, error) {
	getenvOrDollar := func(s string) string {
		if s == "$" {
			return "$"
		}
		return os.Getenv(s)
	}

	var patterns []string
	for _, filename := range files {
		buf, err := textfile.Read(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read patterns from file %q: %w", filename, err)
		}

		scanner := bufio.NewScanner(bytes.NewReader(buf))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			patterns = append(patterns, os.Expand(line, getenvOrDollar))
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read patterns from file %q: %w", filename, err)
		}
	}
	return patterns, nil
}

func collect(flag string, patterns []string, files []string) ([]string, error) {
	if len(files) > 0 {
		filePatterns, err := readPatternsFromFiles(files)
		if err != nil {
			return nil, err
		}

		if err := ValidatePatterns(filePatterns); err != nil {
			return nil, errors.Fatalf("--%s-file: %s", flag, err)
		}
		patterns = append(patterns, filePatterns...)
	}

	if err := ValidatePatterns(patterns); err != nil {
		return nil, errors.Fatalf("--%s: %s", flag, err)
	}
	return patterns, nil
}

// ExcludePatternOptions collects the exclude patterns given on the command line.
type ExcludePatternOptions struct {
	Excludes     []string
	ExcludeFiles []string
}

func (opts *ExcludePatternOptions) Add(f *pflag.FlagSet) {
	f.StringArrayVarP(&opts.Excludes, "exclude", "e", nil, "exclude a `pattern` (can be specified multiple times)")
	f.StringArrayVar(&opts.ExcludeFiles, "exclude-file", nil, "read exclude patterns from a `file` (can be specified multiple times)")
}

func (opts *ExcludePatternOptions) Empty() bool {
	return len(opts.Excludes) == 0 && len(opts.ExcludeFiles) == 0
}

// CollectPatterns returns the exclude patterns from the command line and all
// pattern files.
func (opts ExcludePatternOptions) CollectPatterns() ([]string, error) {
	return collect("exclude", opts.Excludes, opts.ExcludeFiles)
}

// IncludePatternOptions collects the include patterns given on the command line.
type IncludePatternOptions struct {
	Includes     []string
	IncludeFiles []string
}

func (opts *IncludePatternOptions) Add(f *pflag.FlagSet) {
	f.StringArrayVarP(&opts.Includes, "include", "i", nil, "include a `pattern` (can be specified multiple times)")
	f.StringArrayVar(&opts.IncludeFiles, "include-file", nil, "read include patterns from a `file` (can be specified multiple times)")
}

func (opts *IncludePatternOptions) Empty() bool {
	return len(opts.Includes) == 0 && len(opts.IncludeFiles) == 0
}

// CollectPatterns returns the include patterns from the command line and all
// pattern files.
func (opts IncludePatternOptions) CollectPatterns() ([]string, error) {
	return collect("include", opts.Includes, opts.IncludeFiles)
}
