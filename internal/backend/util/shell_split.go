package util

import (
	"strings"
	"unicode"

	"github.com/packvault/packvault/internal/errors"
)

// shellSplitter splits a command string into separate arguments. It supports
// single and double quoted strings as well as escaping with a backslash.
type shellSplitter struct {
	quote   rune
	escape  bool
	hasData bool
	current strings.Builder
	fields  []string
}

func (s *shellSplitter) flush() {
	if !s.hasData {
		return
	}
	s.fields = append(s.fields, s.current.String())
	s.current.Reset()
	s.hasData = false
}

func (s *shellSplitter) feed(r rune) {
	switch {
	case s.escape:
		s.current.WriteRune(r)
		s.hasData = true
		s.escape = false
	case r == '\\' && s.quote != '\'':
		s.escape = true
	case s.quote != 0 && r == s.quote:
		s.quote = 0
	case s.quote != 0:
		s.current.WriteRune(r)
	case r == '\'' || r == '"':
		s.quote = r
		s.hasData = true
	case unicode.IsSpace(r):
		s.flush()
	default:
		s.current.WriteRune(r)
		s.hasData = true
	}
}

// SplitShellArgs returns the list of arguments from a shell command string.
func SplitShellArgs(data string) (cmd string, args []string, err error) {
	s := &shellSplitter{}
	for _, r := range data {
		s.feed(r)
	}

	switch s.quote {
	case '\'':
		return "", nil, errors.New("single-quoted string not terminated")
	case '"':
		return "", nil, errors.New("double-quoted string not terminated")
	}

	if s.escape {
		return "", nil, errors.New("escape character at end of string")
	}

	s.flush()

	if len(s.fields) == 0 {
		return "", nil, errors.New("command string is empty")
	}

	return s.fields[0], s.fields[1:], nil
}
