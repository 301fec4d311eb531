package options

import (
	"fmt"
	"testing"
	"time"

	rtest "github.com/packvault/packvault/internal/test"
)

var optsTests = []struct {
	input  []string
	output Options
}{
	{
		[]string{"foo=bar", "bar=baz ", "k="},
		Options{
			"foo": "bar",
			"bar": "baz",
			"k":   "",
		},
	},
	{
		[]string{"Foo=23", "baR", "k=thing with spaces"},
		Options{
			"foo": "23",
			"bar": "",
			"k":   "thing with spaces",
		},
	},
	{
		[]string{"k=thing with spaces", "k2=more spaces = not evil"},
		Options{
			"k":  "thing with spaces",
			"k2": "more spaces = not evil",
		},
	},
	{
		[]string{"x=1", "foo=bar", "y=2", "foo=bar"},
		Options{
			"x":   "1",
			"y":   "2",
			"foo": "bar",
		},
	},
}

func TestParseOptions(t *testing.T) {
	for i, test := range optsTests {
		t.Run(fmt.Sprintf("test-%v", i), func(t *testing.T) {
			opts, err := Parse(test.input)
			rtest.OK(t, err)
			rtest.Equals(t, test.output, opts)
		})
	}
}

func TestParseInvalidOptions(t *testing.T) {
	for _, input := range [][]string{
		{"=bar", "bar=baz", "k="},
		{"x=1", "foo=bar", "y=2", "foo=baz"},
	} {
		_, err := Parse(input)
		rtest.Assert(t, err != nil, "expected error for %v", input)
	}
}

func TestExtract(t *testing.T) {
	opts := Options{
		"s3.region":       "eu-west-1",
		"s3.connections":  "5",
		"sftp.command":    "ssh",
		"local.something": "x",
	}

	rtest.Equals(t, Options{"region": "eu-west-1", "connections": "5"}, opts.Extract("s3"))
	rtest.Equals(t, Options{"command": "ssh"}, opts.Extract("sftp."))
	rtest.Equals(t, Options{}, opts.Extract("gs"))
}

type testTarget struct {
	Name        string        `option:"name" help:"set the name"`
	ID          int           `option:"id" help:"set the ID"`
	Connections uint          `option:"connections" help:"set the number of connections"`
	Timeout     time.Duration `option:"timeout" help:"set the timeout"`
	Enabled     bool          `option:"enabled" help:"enable the feature"`
	Secret      SecretString  `option:"secret" help:"a secret"`
	Other       string
}

func TestApply(t *testing.T) {
	opts := Options{
		"name":        "foobar",
		"id":          "1234",
		"connections": "7",
		"timeout":     "10m3s",
		"enabled":     "true",
		"secret":      "hunter2",
	}

	var dst testTarget
	rtest.OK(t, opts.Apply("", &dst))

	rtest.Equals(t, "foobar", dst.Name)
	rtest.Equals(t, 1234, dst.ID)
	rtest.Equals(t, uint(7), dst.Connections)
	rtest.Equals(t, 10*time.Minute+3*time.Second, dst.Timeout)
	rtest.Equals(t, true, dst.Enabled)
	rtest.Equals(t, "hunter2", dst.Secret.Unwrap())
	rtest.Equals(t, "**redacted**", dst.Secret.String())
	rtest.Equals(t, "", dst.Other)
}

func TestApplyInvalid(t *testing.T) {
	var tests = []struct {
		opts Options
		err  string
	}{
		{Options{"unknown": "x"}, "Fatal: option ns.unknown is not known"},
		{Options{"id": "foo"}, `Fatal: invalid value for option id: strconv.ParseInt: parsing "foo": invalid syntax`},
		{Options{"timeout": "2134"}, `Fatal: invalid value for option timeout: time: missing unit in duration "2134"`},
	}

	for _, test := range tests {
		var dst testTarget
		err := test.opts.Apply("ns", &dst)
		rtest.Assert(t, err != nil, "expected error for %v", test.opts)
		rtest.Equals(t, test.err, err.Error())
	}
}

func TestListOptions(t *testing.T) {
	list := listOptions(testTarget{})
	rtest.Equals(t, 6, len(list))
	rtest.Equals(t, Help{Name: "name", Text: "set the name"}, list[0])
}
