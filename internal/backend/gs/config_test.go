package gs

import (
	"testing"

	rtest "github.com/packvault/packvault/internal/test"
)

var configTests = []struct {
	s   string
	cfg Config
}{
	{"gs:bucketname:/", Config{
		Bucket:      "bucketname",
		Prefix:      "",
		Connections: 5,
		Region:      "us",
	}},
	{"gs:bucketname:/prefix/directory", Config{
		Bucket:      "bucketname",
		Prefix:      "prefix/directory",
		Connections: 5,
		Region:      "us",
	}},
	{"gs:bucketname:/prefix/directory/", Config{
		Bucket:      "bucketname",
		Prefix:      "prefix/directory",
		Connections: 5,
		Region:      "us",
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

	_, err := ParseConfig("gs:bucketname")
	rtest.Assert(t, err != nil, "missing path separator not detected")
}
