package azure

import (
	"testing"

	rtest "github.com/packvault/packvault/internal/test"
)

func TestParseConfig(t *testing.T) {
	for _, test := range []struct {
		s   string
		cfg Config
	}{
		{"azure:container-name:/", Config{
			Container:   "container-name",
			Prefix:      "",
			Connections: 5,
		}},
		{"azure:container-name:/prefix/directory", Config{
			Container:   "container-name",
			Prefix:      "prefix/directory",
			Connections: 5,
		}},
	} {
		t.Run(test.s, func(t *testing.T) {
			cfg, err := ParseConfig(test.s)
			rtest.OK(t, err)
			rtest.Equals(t, test.cfg, *cfg)
		})
	}
}
