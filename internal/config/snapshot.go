package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RedactedCopy deep-copies the settings with every credential removed.
// Snapshots persisted on executions go through this; stage code fetches
// keys from the vault at call time instead.
func (s *Settings) RedactedCopy() (*Settings, error) {
	cp, err := s.Clone()
	if err != nil {
		return nil, err
	}
	cp.APIKeys = APIKeys{}
	return cp, nil
}

// Clone deep-copies via JSON so nested slices never alias.
func (s *Settings) Clone() (*Settings, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var cp Settings
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// ToJSON renders the document for a settings column.
func (s *Settings) ToJSON() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FromJSON parses a settings column value.
func FromJSON(doc string) (*Settings, error) {
	var s Settings
	if err := json.Unmarshal([]byte(doc), &s); err != nil {
		return nil, fmt.Errorf("settings document: %w", err)
	}
	return &s, nil
}

// LoadFile reads a settings document from a .yaml/.yml/.json file with
// strict field checking, applies defaults, and validates ranges. Path
// existence is NOT checked here; callers gate on ValidatePaths at job
// start.
func LoadFile(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &s); err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
	default:
		if err := decodeYAMLStrict(b, &s); err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func decodeJSONStrict(b []byte, s *Settings) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, s *Settings) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// SecretValues lists every non-empty credential in the document, for the
// log censor.
func (s *Settings) SecretValues() []string {
	if s == nil {
		return nil
	}
	out := []string{}
	for _, v := range []string{s.APIKeys.OpenAI, s.APIKeys.PiAPI, s.APIKeys.Runware, s.APIKeys.RemoveBg} {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
