package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Fields returns the YAML field names accepted by the config file, derived
// from the Config struct tags. The admin API uses this to validate update
// requests and advertise what can be changed.
func Fields() []string {
	t := reflect.TypeOf(Config{})
	fields := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		if name, _, _ := strings.Cut(tag, ","); name != "" && name != "-" {
			fields = append(fields, name)
		}
	}
	return fields
}

// IsField reports whether name is a recognised config file field.
func IsField(name string) bool {
	for _, field := range Fields() {
		if field == name {
			return true
		}
	}
	return false
}

// FileValues reads the YAML config file into a generic map. A missing file
// yields an empty map rather than an error so the admin API can show the
// effective state of an env-only deployment.
func FileValues(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return values, nil
}

// SetFileValue updates a single field in the YAML config file, creating the
// file when it does not exist yet. The change takes effect on next start;
// runtime state is never mutated here.
func SetFileValue(path, field string, value any) error {
	values, err := FileValues(path)
	if err != nil {
		return err
	}
	values[field] = value

	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode config file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
