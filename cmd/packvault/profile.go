package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// profilePath returns the file for a profile. A name without a path
// separator or ".toml" suffix refers to a file in the user config directory.
func profilePath(name string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) || strings.HasSuffix(name, ".toml") {
		return name, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "config dir")
	}
	return filepath.Join(dir, "packvault", name+".toml"), nil
}

// profileSections lists the sections applied for a command. Later sections
// override earlier ones.
func profileSections(command string) []string {
	sections := []string{"global", "repository"}
	if command != "" {
		sections = append(sections, command)
	}
	return sections
}

// applyProfile sets all flags which were not given on the command line from
// the profile. The sections [global] and [repository] apply to all commands,
// a section named after the command, like [backup] or [repair-snapshots],
// only to that command. Keys are flag names.
func applyProfile(name string, command string, flags *pflag.FlagSet) error {
	fn, err := profilePath(name)
	if err != nil {
		return err
	}

	var profile map[string]map[string]any
	md, err := toml.DecodeFile(fn, &profile)
	if errors.Is(err, os.ErrNotExist) {
		return errors.Fatalf("profile %v not found at %v", name, fn)
	}
	if err != nil {
		return errors.Fatalf("unable to parse profile %v: %v", fn, err)
	}
	debug.Log("loaded profile %v, keys %v", fn, md.Keys())

	for _, section := range profileSections(command) {
		values, ok := profile[section]
		if !ok {
			continue
		}

		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			f := flags.Lookup(key)
			if f == nil {
				return errors.Fatalf("profile %v: unknown option %q in section [%v]", fn, key, section)
			}
			if f.Changed {
				debug.Log("profile value %v ignored, flag was given", key)
				continue
			}

			strs, err := profileValues(values[key])
			if err != nil {
				return errors.Fatalf("profile %v: option %q in section [%v]: %v", fn, key, section, err)
			}
			for _, s := range strs {
				if err := f.Value.Set(s); err != nil {
					return errors.Fatalf("profile %v: option %q in section [%v]: %v", fn, key, section, err)
				}
			}
		}
	}
	return nil
}

// profileValues converts a TOML value to the strings passed to a flag. An
// array sets a flag multiple times, a table is passed as key=value pairs.
func profileValues(v any) ([]string, error) {
	switch v := v.(type) {
	case string:
		return []string{v}, nil
	case bool:
		return []string{strconv.FormatBool(v)}, nil
	case int64:
		return []string{strconv.FormatInt(v, 10)}, nil
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}, nil
	case time.Time:
		return []string{v.Format(TimeFormat)}, nil
	case []any:
		var res []string
		for _, item := range v {
			strs, err := profileValues(item)
			if err != nil {
				return nil, err
			}
			res = append(res, strs...)
		}
		return res, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var res []string
		for _, k := range keys {
			strs, err := profileValues(v[k])
			if err != nil {
				return nil, err
			}
			for _, s := range strs {
				res = append(res, k+"="+s)
			}
		}
		return res, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
