package filter_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/filter"
	rtest "github.com/packvault/packvault/internal/test"
)

var matchTests = []struct {
	pattern string
	path    string
	match   bool
}{
	{"", "", true},
	{"", "foo", true},
	{"", "/x/y/z/foo", true},
	{"*.go", "/foo/bar/test.go", true},
	{"*.c", "/foo/bar/test.go", false},
	{"*", "/foo/bar/test.go", true},
	{"foo*", "/foo/bar/test.go", true},
	{"bar*", "/foo/bar/test.go", true},
	{"/bar*", "/foo/bar/test.go", false},
	{"bar/*", "/foo/bar/test.go", true},
	{"baz/*", "/foo/bar/test.go", false},
	{"bar/test.go", "/foo/bar/test.go", true},
	{"bar/*.go", "/foo/bar/test.go", true},
	{"ba*/*.go", "/foo/bar/test.go", true},
	{"bb*/*.go", "/foo/bar/test.go", false},
	{"test.*", "/foo/bar/test.go", true},
	{"tesT.*", "/foo/bar/test.go", false},
	{"bar/*", "/foo/bar/baz", true},
	{"bar", "/foo/bar", true},
	{"/foo/bar", "/foo/bar", true},
	{"/foo/bar/", "/foo/bar", true},
	{"/foo/bar", "/foo/baz", false},
	{"/foo/**/test.go", "/foo/bar/baz/test.go", true},
	{"/foo/**/test.go", "/foo/test.go", true},
	{"/foo/**/test.go", "/bar/foo/test.go", false},
	{"foo/**/test.go", "/bar/foo/x/test.go", true},
	{"**/*.go", "/foo/bar/test.go", true},
	{"/**/*.go", "/test.go", true},
	{"/a/**/b/**/c", "/a/x/b/y/z/c", true},
	{"/a/**/b/**/c", "/a/x/y/z/c", false},
	{"/cache", "/cache/pack/data", true},
}

func TestMatch(t *testing.T) {
	for _, test := range matchTests {
		t.Run("", func(t *testing.T) {
			// empty paths are reported as errors
			if test.path == "" {
				_, err := filter.Match(test.pattern, test.path)
				rtest.OK(t, err)
				return
			}

			match, err := filter.Match(test.pattern, test.path)
			rtest.OK(t, err)
			rtest.Assert(t, match == test.match, "pattern %q, path %q: want %v, got %v",
				test.pattern, test.path, test.match, match)
		})
	}
}

func TestMatchEmptyString(t *testing.T) {
	_, err := filter.Match("*.go", "")
	rtest.Assert(t, errors.Is(err, filter.ErrBadString), "unexpected error %v", err)
}

var childMatchTests = []struct {
	pattern string
	path    string
	match   bool
}{
	{"", "", true},
	{"", "/foo", true},
	{"/foo/bar", "/foo", true},
	{"/foo/bar", "/bar", false},
	{"/foo/*/baz", "/foo/bar", true},
	{"/foo/*/baz", "/foo", true},
	{"/foo/**/baz", "/foo/bar/x", true},
	{"foo/bar", "/x/y", true},
	{"/foo/**/baz", "/bar", false},
}

func TestChildMatch(t *testing.T) {
	for _, test := range childMatchTests {
		t.Run("", func(t *testing.T) {
			match, err := filter.ChildMatch(test.pattern, test.path)
			if test.path == "" && test.pattern != "" {
				rtest.Assert(t, err != nil, "expected error")
				return
			}
			rtest.OK(t, err)
			rtest.Assert(t, match == test.match, "pattern %q, path %q: want %v, got %v",
				test.pattern, test.path, test.match, match)
		})
	}
}

func TestList(t *testing.T) {
	patterns := filter.ParsePatterns([]string{"*.go", "", "/etc/**/conf"})

	for _, test := range []struct {
		path  string
		match bool
	}{
		{"/home/user/main.go", true},
		{"/home/user/main.c", false},
		{"/etc/app/x/conf", true},
		{"/var/etc/conf", false},
	} {
		match, err := filter.List(patterns, test.path)
		rtest.OK(t, err)
		rtest.Assert(t, match == test.match, "path %q: want %v, got %v", test.path, test.match, match)
	}

	match, err := filter.List(nil, "/foo")
	rtest.OK(t, err)
	rtest.Assert(t, !match, "empty pattern list must not match")
}

func TestValidPatterns(t *testing.T) {
	err := filter.ValidatePatterns([]string{"*.foo", "*[._]log[.-][0-9]", "/a/**/b"})
	rtest.Assert(t, err != nil, "Expected invalid patterns to be detected")

	var ip *filter.InvalidPatternError
	rtest.Assert(t, errors.As(err, &ip), "wrong error type %v", err)
	rtest.Equals(t, []string{"*[._]log[.-][0-9]"}, ip.InvalidPatterns)

	patterns := make([]string, 0, len(matchTests))
	for _, data := range matchTests {
		patterns = append(patterns, data.pattern)
	}
	rtest.OK(t, filter.ValidatePatterns(patterns))
}

func TestRejectByPattern(t *testing.T) {
	var tests = []struct {
		filename string
		reject   bool
	}{
		{filename: "/home/user/foo.go", reject: true},
		{filename: "/home/user/foo.c", reject: false},
		{filename: "/home/user/foobar", reject: false},
		{filename: "/home/user/foobar/x", reject: true},
		{filename: "/home/user/README", reject: false},
		{filename: "/home/user/README.md", reject: true},
	}

	patterns := []string{"*.go", "README.md", "/home/user/foobar/*"}
	reject := filter.RejectByPattern(patterns, nil)

	for _, tc := range tests {
		res := reject(tc.filename)
		rtest.Assert(t, res == tc.reject, "wrong result for filename %v: want %v, got %v",
			tc.filename, tc.reject, res)
	}
}

func TestIncludeByPattern(t *testing.T) {
	include := filter.IncludeByPattern([]string{"/home/user/docs"}, nil)

	matched, childMayMatch := include("/home")
	rtest.Assert(t, !matched && childMayMatch, "parent dir: matched %v, childMayMatch %v", matched, childMayMatch)

	matched, _ = include("/home/user/docs")
	rtest.Assert(t, matched, "include target not matched")

	matched, childMayMatch = include("/var")
	rtest.Assert(t, !matched && !childMayMatch, "unrelated dir: matched %v, childMayMatch %v", matched, childMayMatch)
}

func TestCollectPatternsFromFile(t *testing.T) {
	t.Setenv("PACKVAULT_TEST_EXT", "tmp")

	file := filepath.Join(t.TempDir(), "excludes")
	rtest.OK(t, os.WriteFile(file, []byte("# comment\n\n*.go\n  *.$PACKVAULT_TEST_EXT  \nprice$$\n"), 0o600))

	opts := filter.ExcludePatternOptions{
		Excludes:     []string{"/cache"},
		ExcludeFiles: []string{file},
	}
	patterns, err := opts.CollectPatterns()
	rtest.OK(t, err)
	rtest.Equals(t, []string{"/cache", "*.go", "*.tmp", "price$"}, patterns)

	opts = filter.ExcludePatternOptions{Excludes: []string{"[x"}}
	_, err = opts.CollectPatterns()
	rtest.Assert(t, errors.IsFatal(err), "expected fatal error, got %v", err)
}
