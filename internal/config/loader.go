package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load reads the file at path, layers any $include files underneath it,
// and decodes the merged result over Default() so partial files only
// override what they set. ${ENV} references are expanded before parsing
// and unknown keys are rejected.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path is required")
	}
	ld := loader{visiting: make(map[string]bool)}
	merged, err := ld.load(path)
	if err != nil {
		return nil, err
	}

	payload, err := yaml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	cfg := Default()
	if err := decodeStrictYAML(payload, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loader tracks the include chain currently being resolved. Revisiting a
// file before its load completes means the chain loops.
type loader struct {
	visiting map[string]bool
}

func (l *loader) load(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if l.visiting[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	l.visiting[abs] = true
	defer delete(l.visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument([]byte(os.ExpandEnv(string(data))), abs)
	if err != nil {
		return nil, err
	}

	// Includes layer in listed order; the including file's own keys are
	// merged last and win.
	merged := map[string]any{}
	includes, err := includePaths(doc, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	for _, inc := range includes {
		layer, err := l.load(inc)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, layer)
	}
	deepMerge(merged, doc)
	return merged, nil
}

// parseDocument decodes one config file by extension: .json and .json5
// through the json5 parser, everything else as a single YAML document.
func parseDocument(data []byte, path string) (map[string]any, error) {
	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeStrictYAML(data, &doc); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// decodeStrictYAML decodes exactly one YAML document into out, rejecting
// keys that do not map to a field of out.
func decodeStrictYAML(data []byte, out any) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := decoder.Decode(new(struct{})); !errors.Is(err, io.EOF) {
		return fmt.Errorf("expected a single document")
	}
	return nil
}

// includePaths removes the $include directive from doc and returns the
// referenced files, resolved against baseDir.
func includePaths(doc map[string]any, baseDir string) ([]string, error) {
	directive, ok := doc["$include"]
	if !ok {
		return nil, nil
	}
	delete(doc, "$include")

	var entries []any
	switch v := directive.(type) {
	case string:
		entries = []any{v}
	case []any:
		entries = v
	default:
		return nil, fmt.Errorf("$include must be a string or list of strings")
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		inc, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("$include entries must be strings")
		}
		if strings.TrimSpace(inc) == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(baseDir, inc)
		}
		paths = append(paths, inc)
	}
	return paths, nil
}

// deepMerge overlays src onto dst in place. Nested maps merge key by
// key; every other value type replaces wholesale.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}
