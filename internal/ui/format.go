// Package ui holds the formatting helpers and terminal abstractions shared
// by the command line output.
package ui

import (
	"fmt"
	"strconv"
	"time"
	"unicode"

	"github.com/docker/go-units"
	"github.com/mattn/go-runewidth"

	"github.com/packvault/packvault/internal/errors"
)

var binaryUnits = []struct {
	shift  uint
	suffix string
}{
	{40, "TiB"},
	{30, "GiB"},
	{20, "MiB"},
	{10, "KiB"},
}

// FormatBytes formats c with a binary prefix and three decimals.
func FormatBytes(c uint64) string {
	for _, u := range binaryUnits {
		if c >= 1<<u.shift {
			return fmt.Sprintf("%.3f %s", float64(c)/float64(uint64(1)<<u.shift), u.suffix)
		}
	}
	return fmt.Sprintf("%d B", c)
}

// FormatPercent formats numerator/denominator as a percentage capped at 100.
// It returns an empty string for a zero denominator.
func FormatPercent(numerator uint64, denominator uint64) string {
	if denominator == 0 {
		return ""
	}
	return fmt.Sprintf("%3.2f%%", min(100, 100*float64(numerator)/float64(denominator)))
}

// FormatRatio formats uncompressed/compressed as a compression factor.
func FormatRatio(uncompressed, compressed uint64) string {
	if compressed == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.2fx", float64(uncompressed)/float64(compressed))
}

// FormatDuration formats d as M:SS, or H:MM:SS once it reaches an hour.
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h, m, s := int64(d/time.Hour), int64(d%time.Hour/time.Minute), int64(d%time.Minute/time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// ParseBytes parses a size such as "500", "10M" or "2GiB". Suffixes are
// powers of 1024.
func ParseBytes(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse size %q", s)
	}
	if n < 0 {
		return 0, errors.Errorf("parse size %q: %v", s, strconv.ErrRange)
	}
	return n, nil
}

// ambiguous runes count as one cell, independent of the locale
var cells = &runewidth.Condition{EastAsianWidth: false}

// DisplayWidth returns the number of terminal cells needed to display s.
func DisplayWidth(s string) int {
	return cells.StringWidth(s)
}

// Quote returns line quoted with strconv.Quote if it contains anything that
// could disturb a terminal: control characters, non-printable runes or
// invalid UTF-8. Other lines are returned unchanged.
func Quote(line string) string {
	for _, r := range line {
		if r == unicode.ReplacementChar || !unicode.IsPrint(r) {
			return strconv.Quote(line)
		}
	}
	return line
}

// Truncate shortens s to at most w terminal cells.
func Truncate(s string, w int) string {
	if w <= 0 {
		return ""
	}
	return cells.Truncate(s, w, "")
}
