package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	perrors "popnet/internal/errors"
)

// LoadFile overlays the config file at path onto cfg.  YAML (.yaml,
// .yml) and JSON with comments (.json, .jsonc) are accepted; keys are
// the yaml tags on [Config] and durations use Go syntax ("90s").
// Unknown keys are rejected.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &perrors.ConfigError{
			Field:   "config",
			Value:   path,
			Message: err.Error(),
		}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	case ".json", ".jsonc":
		// Compacted JSON is valid YAML, so one decoder serves both once
		// comments and trailing commas are stripped.
		var compact bytes.Buffer
		if err := json.Compact(&compact, jsonc.ToJSON(data)); err != nil {
			return &perrors.ConfigError{
				Field:   "config",
				Value:   path,
				Message: err.Error(),
			}
		}
		data = compact.Bytes()
	default:
		return &perrors.ConfigError{
			Field:   "config",
			Value:   path,
			Message: "unsupported config file extension",
			Hint:    "use .yaml, .yml, .json or .jsonc",
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return &perrors.ConfigError{
			Field:   "config",
			Value:   path,
			Message: err.Error(),
		}
	}
	return nil
}
