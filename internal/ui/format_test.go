package ui

import (
	"strconv"
	"testing"
	"time"

	rtest "github.com/packvault/packvault/internal/test"
)

func TestFormatBytes(t *testing.T) {
	for _, c := range []struct {
		size uint64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.000 KiB"},
		{5<<20 + 1<<19, "5.500 MiB"},
		{2 << 30, "2.000 GiB"},
		{1 << 40, "1.000 TiB"},
	} {
		rtest.Equals(t, c.want, FormatBytes(c.size))
	}
}

func TestFormatPercentRatio(t *testing.T) {
	rtest.Equals(t, "", FormatPercent(1, 0))
	rtest.Equals(t, "42.86%", FormatPercent(3, 7))
	rtest.Equals(t, "100.00%", FormatPercent(120, 100))

	rtest.Equals(t, "n/a", FormatRatio(100, 0))
	rtest.Equals(t, "2.50x", FormatRatio(250, 100))
}

func TestFormatDuration(t *testing.T) {
	rtest.Equals(t, "0:00", FormatDuration(0))
	rtest.Equals(t, "1:05", FormatDuration(65*time.Second+300*time.Millisecond))
	rtest.Equals(t, "2:00:01", FormatDuration(2*time.Hour+time.Second))
}

func TestParseBytes(t *testing.T) {
	for _, c := range []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"1024b", 1024},
		{"100k", 100 << 10},
		{"10M", 10 << 20},
		{"10MiB", 10 << 20},
		{"20G", 20 << 30},
		{"2t", 2 << 40},
	} {
		got, err := ParseBytes(c.in)
		rtest.OK(t, err)
		rtest.Equals(t, c.want, got)
	}

	for _, s := range []string{"", " ", "foobar", "-1", "10X"} {
		v, err := ParseBytes(s)
		rtest.Assert(t, err != nil, "no error for invalid size %q", s)
		rtest.Equals(t, int64(0), v)
	}
}

func TestDisplayWidth(t *testing.T) {
	for _, c := range []struct {
		input string
		want  int
	}{
		{"foo", 3},
		{"aéb", 3},
		{"aあb", 4},
	} {
		rtest.Equals(t, c.want, DisplayWidth(c.input))
	}
}

func TestQuote(t *testing.T) {
	for _, c := range []struct {
		in        string
		needQuote bool
	}{
		{"foo.bar/baz", false},
		{"föó_bàŕ", false},
		{"foo bar", false},
		{"foo\nbar", true},
		{"\xff", true},
		{"\x1bm_red", true},
	} {
		want := c.in
		if c.needQuote {
			want = strconv.Quote(c.in)
		}
		rtest.Equals(t, want, Quote(c.in))
	}
}

func TestTruncate(t *testing.T) {
	for _, c := range []struct {
		input  string
		width  int
		output string
	}{
		{"", 80, ""},
		{"foo", 80, "foo"},
		{"foo", 2, "fo"},
		{"foo", 0, ""},
		{"foo", -1, ""},
		{"Löwen", 4, "Löwe"},
		{"あああああ/data", 7, "あああ"},
		{"あああああ/data", 11, "あああああ/"},
	} {
		rtest.Equals(t, c.output, Truncate(c.input, c.width))
	}
}
