package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadPolicyDocument decodes a policy file. The parser is chosen from the file
// extension so operators can keep policies in YAML, JSON or TOML.
func LoadPolicyDocument(ctx context.Context, path string) (PolicyDocument, error) {
	select {
	case <-ctx.Done():
		return PolicyDocument{}, ctx.Err()
	default:
	}
	parser, err := parserFor(path)
	if err != nil {
		return PolicyDocument{}, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PolicyDocument{}, fmt.Errorf("config: policy file %s not found", path)
		}
		return PolicyDocument{}, fmt.Errorf("config: stat policy file %s: %w", path, err)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return PolicyDocument{}, fmt.Errorf("config: load policies from %s: %w", path, err)
	}
	var doc PolicyDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return PolicyDocument{}, fmt.Errorf("config: decode policies from %s: %w", path, err)
	}
	if len(doc.Policies) == 0 {
		return PolicyDocument{}, fmt.Errorf("config: policy file %s declares no policies", path)
	}
	for model, actions := range doc.Policies {
		if strings.TrimSpace(model) == "" {
			return PolicyDocument{}, fmt.Errorf("config: policy file %s contains an unnamed model", path)
		}
		for action, rule := range actions {
			if len(rule.Roles) == 0 && strings.TrimSpace(rule.Condition) == "" {
				return PolicyDocument{}, fmt.Errorf("config: policy %s.%s grants nothing", model, action)
			}
		}
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported policy file extension %s", ext)
	}
}
