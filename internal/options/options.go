// Package options parses the extended `-o key=value` options and applies
// them to backend configurations.
package options

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/packvault/packvault/internal/errors"
)

// Options holds options in the form key=value.
type Options map[string]string

var registered []Help

// Register allows registering options so that they can be listed with List.
func Register(ns string, cfg interface{}) {
	for _, opt := range listOptions(cfg) {
		opt.Namespace = ns
		registered = append(registered, opt)
	}

	sort.Slice(registered, func(i, j int) bool {
		if registered[i].Namespace == registered[j].Namespace {
			return registered[i].Name < registered[j].Name
		}
		return registered[i].Namespace < registered[j].Namespace
	})
}

// List returns a list of all registered options (using Register()).
func List() []Help {
	list := make([]Help, len(registered))
	copy(list, registered)
	return list
}

// listOptions returns a list of options of cfg.
func listOptions(cfg interface{}) (opts []Help) {
	// resolve indirection if cfg is a pointer
	v := reflect.Indirect(reflect.ValueOf(cfg))

	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)

		h := Help{
			Name: f.Tag.Get("option"),
			Text: f.Tag.Get("help"),
		}

		if h.Name == "" {
			continue
		}

		opts = append(opts, h)
	}

	return opts
}

// Help contains information about an option.
type Help struct {
	Namespace string
	Name      string
	Text      string
}

// Parse takes a slice of key=value pairs and returns an Options type.
// The key may include namespaces, separated by dots. Example: "foo.bar=value".
// Keys are converted to lower-case.
func Parse(in []string) (Options, error) {
	opts := make(Options, len(in))

	for _, opt := range in {
		key, value, _ := strings.Cut(opt, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if key == "" {
			return Options{}, errors.Fatalf("empty key is not a valid option")
		}

		if v, ok := opts[key]; ok && v != value {
			return Options{}, errors.Fatalf("key %q present more than once", key)
		}

		opts[key] = value
	}

	return opts, nil
}

// Extract returns an Options type with all keys in namespace ns, which is
// also stripped from the keys.
func (o Options) Extract(ns string) Options {
	if !strings.HasSuffix(ns, ".") {
		ns += "."
	}

	opts := make(Options)
	for k, v := range o {
		if rest, ok := strings.CutPrefix(k, ns); ok {
			opts[rest] = v
		}
	}

	return opts
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	secretType   = reflect.TypeOf(SecretString{})
)

// Apply sets the options on dst via reflection, using the struct tag `option`.
// The namespace argument (ns) is only used for error messages.
func (o Options) Apply(ns string, dst interface{}) error {
	v := reflect.ValueOf(dst).Elem()

	fields := make(map[string]int)
	for i := 0; i < v.NumField(); i++ {
		tag := v.Type().Field(i).Tag.Get("option")
		if tag == "" {
			continue
		}

		if _, ok := fields[tag]; ok {
			panic("option tag " + tag + " is not unique in " + v.Type().Name())
		}

		fields[tag] = i
	}

	for key, value := range o {
		i, ok := fields[key]
		if !ok {
			if ns != "" {
				key = ns + "." + key
			}
			return errors.Fatalf("option %v is not known", key)
		}

		if err := setField(v.Field(i), value); err != nil {
			return errors.Fatalf("invalid value for option %v: %v", key, err)
		}
	}

	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Type() {
	case durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	case secretType:
		field.Set(reflect.ValueOf(NewSecretString(value)))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		vi, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return err
		}
		field.SetInt(vi)
	case reflect.Uint, reflect.Uint64:
		vi, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return err
		}
		field.SetUint(vi)
	case reflect.Bool:
		vi, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(vi)
	default:
		panic("type " + field.Type().Name() + " not handled")
	}
	return nil
}
