package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format reads and writes one settings file syntax.
type Format interface {
	Unmarshal(data []byte) (map[string]any, error)
	Marshal(values map[string]any) ([]byte, error)
}

// FormatFor picks the format from the file extension: .json, .toml,
// .yaml or .yml.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return jsonFormat{}, nil
	case ".toml":
		return tomlFormat{}, nil
	case ".yaml", ".yml":
		return yamlFormat{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
}

type jsonFormat struct{}

func (jsonFormat) Unmarshal(data []byte) (map[string]any, error) {
	values := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotObject, err)
	}
	// A literal null leaves the map nil.
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}

func (jsonFormat) Marshal(values map[string]any) ([]byte, error) {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

type tomlFormat struct{}

func (tomlFormat) Unmarshal(data []byte) (map[string]any, error) {
	values := map[string]any{}
	if _, err := toml.Decode(string(data), &values); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotObject, err)
	}
	return values, nil
}

func (tomlFormat) Marshal(values map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type yamlFormat struct{}

func (yamlFormat) Unmarshal(data []byte) (map[string]any, error) {
	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotObject, err)
	}
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}

func (yamlFormat) Marshal(values map[string]any) ([]byte, error) {
	return yaml.Marshal(values)
}
