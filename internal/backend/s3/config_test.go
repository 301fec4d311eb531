package s3

import (
	"testing"

	rtest "github.com/packvault/packvault/internal/test"
)

var configTests = []struct {
	s   string
	cfg Config
}{
	{"s3://eu-central-1/bucketname", Config{
		Endpoint:    "eu-central-1",
		Bucket:      "bucketname",
		Connections: 5,
	}},
	{"s3://eu-central-1/bucketname/prefix/directory", Config{
		Endpoint:    "eu-central-1",
		Bucket:      "bucketname",
		Prefix:      "prefix/directory",
		Connections: 5,
	}},
	{"s3:eu-central-1/foobar/", Config{
		Endpoint:    "eu-central-1",
		Bucket:      "foobar",
		Connections: 5,
	}},
	{"s3:https://hostname:9999/foobar/prefix/directory", Config{
		Endpoint:    "hostname:9999",
		Bucket:      "foobar",
		Prefix:      "prefix/directory",
		Connections: 5,
	}},
	{"s3:http://hostname:9999/foobar", Config{
		Endpoint:    "hostname:9999",
		Bucket:      "foobar",
		UseHTTP:     true,
		Connections: 5,
	}},
}

func TestParseConfig(t *testing.T) {
	for _, test := range configTests {
		t.Run(test.s, func(t *testing.T) {
			cfg, err := ParseConfig(test.s)
			rtest.OK(t, err)
			rtest.Equals(t, test.cfg, *cfg)
		})
	}
}

func TestParseConfigInvalid(t *testing.T) {
	for _, s := range []string{"s3:", "s3://host", "s3:http://host", "local:/foo"} {
		_, err := ParseConfig(s)
		rtest.Assert(t, err != nil, "expected error for %q", s)
	}
}
