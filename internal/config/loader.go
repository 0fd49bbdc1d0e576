package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultFileNames are tried in order by Find.
var DefaultFileNames = []string{"plugrt.toml", "plugrt.yaml", "plugrt.yml"}

// Load reads the configuration file at path over the defaults.
// An empty path or a file that doesn't exist yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // File doesn't exist, not an error
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := Decode(cfg, path, data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find returns the first of DefaultFileNames present in dir, or "".
func Find(dir string) string {
	for _, name := range DefaultFileNames {
		path := filepath.Join(dir, name)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path
		}
	}
	return ""
}

// Decode parses data into cfg, choosing the format from path's extension.
// Keys not present in data keep their current values; unknown keys are errors.
func Decode(cfg *Config, path string, data []byte) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return decodeTOML(cfg, path, data)
	case ".yaml", ".yml":
		return decodeYAML(cfg, path, data)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

func decodeTOML(cfg *Config, path string, data []byte) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		perr := &ParseError{Path: path, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

func decodeYAML(cfg *Config, path string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &ParseError{Path: path, Message: err.Error(), Err: err}
	}
	return nil
}
