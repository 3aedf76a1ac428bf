package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// DefaultEnvPrefix prefixes every environment override, e.g.
// AUTOSYS_MONITOR_INTERVAL=2s or AUTOSYS_BACKUP_SOURCE=/srv/data.
const DefaultEnvPrefix = "AUTOSYS"

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
)

// EnvLoader applies environment overrides on top of the file.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader creates a loader reading variables that start with prefix.
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: prefix, lookup: os.LookupEnv}
}

// Load applies environment overrides to cfg. Variable names are built from
// yaml tags: the prefix, then each nested tag, upper-cased and joined by
// underscores. Empty variables are ignored. Every malformed value is
// reported, not only the first.
func (el *EnvLoader) Load(cfg *Config) error {
	var errs []error
	el.walk(reflect.ValueOf(cfg).Elem(), el.prefix, &errs)
	return errors.Join(errs...)
}

func (el *EnvLoader) walk(v reflect.Value, name string, errs *[]error) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
		if tag == "" || tag == "-" {
			tag = t.Field(i).Name
		}
		envName := envKey(name, tag)

		switch {
		case field.Type() == timeType:
			el.apply(field, envName, errs)
		case field.Kind() == reflect.Struct:
			el.walk(field, envName, errs)
		case field.Kind() == reflect.Ptr:
			// Optional flags such as channel enabled are file-only.
		case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.Struct:
			// Rules and channels are file-only.
		default:
			el.apply(field, envName, errs)
		}
	}
}

func (el *EnvLoader) apply(field reflect.Value, envName string, errs *[]error) {
	raw, ok := el.lookup(envName)
	if !ok || raw == "" {
		return
	}

	if field.Kind() == reflect.Slice {
		parts := strings.Split(raw, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, part := range parts {
			if err := parseInto(slice.Index(i), strings.TrimSpace(part)); err != nil {
				*errs = append(*errs, fmt.Errorf("%s[%d]: %w", envName, i, err))
				return
			}
		}
		field.Set(slice)
		return
	}

	if err := parseInto(field, raw); err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", envName, err))
	}
}

// parseInto sets v from its textual form.
func parseInto(v reflect.Value, raw string) error {
	switch {
	case v.Type() == durationType:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q", raw)
		}
		v.SetInt(int64(d))
	case v.Type() == timeType:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("invalid RFC3339 time %q", raw)
		}
		v.Set(reflect.ValueOf(ts))
	default:
		switch v.Kind() {
		case reflect.String:
			v.SetString(raw)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, v.Type().Bits())
			if err != nil {
				return fmt.Errorf("invalid integer %q", raw)
			}
			v.SetInt(n)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			n, err := strconv.ParseUint(raw, 10, v.Type().Bits())
			if err != nil {
				return fmt.Errorf("invalid unsigned integer %q", raw)
			}
			v.SetUint(n)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(raw, v.Type().Bits())
			if err != nil {
				return fmt.Errorf("invalid number %q", raw)
			}
			v.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("invalid boolean %q", raw)
			}
			v.SetBool(b)
		default:
			return fmt.Errorf("unsupported type %s", v.Type())
		}
	}
	return nil
}

func envKey(prefix, tag string) string {
	key := strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(tag))
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}
