package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override, e.g.
// QRGUARD_SERVER_LISTEN_ADDR or QRGUARD_RATE_LIMIT_POLICIES_AUTH_MAX_ATTEMPTS.
const EnvPrefix = "QRGUARD"

var durationType = reflect.TypeOf(time.Duration(0))

// EnvLoader loads configuration from environment variables
type EnvLoader struct {
	prefix string
}

// NewEnvLoader creates a new environment loader
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
	}
}

// Load overrides fields of config from environment variables named after
// their yaml keys.
func (el *EnvLoader) Load(config *Config) error {
	return el.loadStruct(reflect.ValueOf(config).Elem(), el.prefix)
}

// yamlName returns the field's yaml key and whether it is inlined.
func yamlName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("yaml")
	name, opts, _ := strings.Cut(tag, ",")
	inline := strings.Contains(opts, "inline")
	if name == "" {
		name = field.Name
	}
	return name, inline
}

// loadStruct recursively loads a struct from environment variables
func (el *EnvLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() || fieldType.Tag.Get("yaml") == "-" {
			continue
		}

		name, inline := yamlName(fieldType)
		envName := el.buildEnvName(prefix, name)
		if inline {
			envName = prefix
		}

		var err error
		switch field.Kind() {
		case reflect.Struct:
			err = el.loadStruct(field, envName)
		case reflect.Slice:
			err = el.loadSlice(field, envName)
		case reflect.Map:
			err = el.loadMap(field, envName)
		default:
			err = el.loadField(field, envName)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// loadField loads a single field from environment variable
func (el *EnvLoader) loadField(field reflect.Value, envName string) error {
	value, ok := os.LookupEnv(envName)
	if !ok || value == "" {
		return nil
	}
	return setScalar(field, value, envName)
}

func setScalar(field reflect.Value, value, envName string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", envName, err)
			}
			field.SetInt(int64(duration))
			return nil
		}
		intVal, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %w", envName, err)
		}
		field.SetInt(intVal)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer for %s: %w", envName, err)
		}
		field.SetUint(uintVal)

	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float for %s: %w", envName, err)
		}
		field.SetFloat(floatVal)

	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", envName, err)
		}
		field.SetBool(boolVal)

	default:
		return fmt.Errorf("unsupported field type %s for %s", field.Kind(), envName)
	}
	return nil
}

// loadSlice loads a comma separated slice from environment variable
func (el *EnvLoader) loadSlice(field reflect.Value, envName string) error {
	value, ok := os.LookupEnv(envName)
	if !ok || value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
	for i, part := range parts {
		if err := setScalar(slice.Index(i), strings.TrimSpace(part), envName); err != nil {
			return err
		}
	}
	field.Set(slice)
	return nil
}

// loadMap overrides map entries. Struct values are addressed per existing
// key (PREFIX_KEY_FIELD); scalar values pick up any PREFIX_KEY variable.
func (el *EnvLoader) loadMap(field reflect.Value, envPrefix string) error {
	mapType := field.Type()
	if mapType.Key().Kind() != reflect.String {
		return fmt.Errorf("only string keys are supported for maps in env vars: %s", envPrefix)
	}
	if field.IsNil() {
		field.Set(reflect.MakeMap(mapType))
	}

	if mapType.Elem().Kind() == reflect.Struct {
		for _, key := range field.MapKeys() {
			elem := reflect.New(mapType.Elem()).Elem()
			elem.Set(field.MapIndex(key))
			if err := el.loadStruct(elem, el.buildEnvName(envPrefix, key.String())); err != nil {
				return err
			}
			field.SetMapIndex(key, elem)
		}
		return nil
	}

	prefix := envPrefix + "_"
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		mapKey := reflect.New(mapType.Key()).Elem()
		mapKey.SetString(strings.ToLower(strings.TrimPrefix(key, prefix)))

		mapValue := reflect.New(mapType.Elem()).Elem()
		if mapValue.Kind() == reflect.Interface {
			mapValue.Set(reflect.ValueOf(value))
		} else if err := setScalar(mapValue, value, key); err != nil {
			return err
		}
		field.SetMapIndex(mapKey, mapValue)
	}
	return nil
}

// buildEnvName builds environment variable name from prefix and field name
func (el *EnvLoader) buildEnvName(prefix, fieldName string) string {
	envName := strings.ToUpper(fieldName)
	envName = strings.ReplaceAll(envName, "-", "_")
	envName = strings.ReplaceAll(envName, ".", "_")

	if prefix != "" {
		return prefix + "_" + envName
	}
	return envName
}
