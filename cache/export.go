package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExportFormat represents the JSON structure for cache export/import.
type ExportFormat struct {
	Version    string            `json:"version"`
	ExportedAt string            `json:"exported_at"`
	Entries    []ExportEntry     `json:"entries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ExportEntry represents a single cache entry.
type ExportEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Source is anything that can list its entries.
type Source interface {
	Entries() map[string]string
}

// Sink is anything blurbs can be written into.
type Sink interface {
	Set(key, value string)
}

// Exporter provides cache export functionality.
type Exporter struct {
	source Source
}

// NewExporter creates a new cache exporter.
func NewExporter(source Source) *Exporter {
	return &Exporter{source: source}
}

// ExportJSON writes the entries to w in the versioned JSON format, sorted by key.
func (e *Exporter) ExportJSON(w io.Writer, metadata map[string]string) error {
	data := e.source.Entries()
	keys := sortedKeys(data)

	entries := make([]ExportEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, ExportEntry{Key: k, Value: data[k]})
	}

	export := ExportFormat{
		Version:    "1.0",
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Entries:    entries,
		Metadata:   metadata,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(export); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}

	return nil
}

// ExportYAML writes the entries to w as a locale file, nesting on dots:
// "en.home.title" becomes en: {home: {title: ...}}.
func (e *Exporter) ExportYAML(w io.Writer) error {
	tree, err := nest(e.source.Entries())
	if err != nil {
		return err
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(tree); err != nil {
		return fmt.Errorf("encoding YAML: %w", err)
	}
	return encoder.Close()
}

// ExportToFile exports to path, picking YAML for .yml/.yaml and JSON otherwise.
func (e *Exporter) ExportToFile(path string, metadata map[string]string) error {
	f, err := os.Create(path) // #nosec G304 - path is intentionally user-provided
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	if strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml") {
		return e.ExportYAML(f)
	}
	return e.ExportJSON(f, metadata)
}

// nest turns dotted keys into nested maps. A key that is both a leaf and
// a prefix of another key is an error.
func nest(data map[string]string) (map[string]interface{}, error) {
	root := make(map[string]interface{})

	for _, key := range sortedKeys(data) {
		parts := strings.Split(key, ".")
		node := root
		for i, part := range parts {
			if i == len(parts)-1 {
				if _, exists := node[part]; exists {
					return nil, fmt.Errorf("blurb key %q conflicts with a nested key", key)
				}
				node[part] = data[key]
				break
			}

			switch child := node[part].(type) {
			case nil:
				next := make(map[string]interface{})
				node[part] = next
				node = next
			case map[string]interface{}:
				node = child
			default:
				return nil, fmt.Errorf("blurb key %q conflicts with %q", key, strings.Join(parts[:i+1], "."))
			}
		}
	}

	return root, nil
}

func sortedKeys(data map[string]string) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Importer provides cache import functionality.
type Importer struct {
	sink Sink
}

// NewImporter creates a new cache importer.
func NewImporter(sink Sink) *Importer {
	return &Importer{sink: sink}
}

// Import reads entries in the JSON export format and writes them into the sink.
func (i *Importer) Import(r io.Reader) (*ImportResult, error) {
	var export ExportFormat
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}

	result := &ImportResult{
		Version:  export.Version,
		Metadata: export.Metadata,
	}

	for _, entry := range export.Entries {
		if entry.Key == "" {
			result.Skipped++
			continue
		}
		i.sink.Set(entry.Key, entry.Value)
		result.Imported++
	}

	return result, nil
}

// ImportFromFile imports cache entries from a file.
func (i *Importer) ImportFromFile(path string) (*ImportResult, error) {
	f, err := os.Open(path) // #nosec G304 - path is intentionally user-provided
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	return i.Import(f)
}

// ImportResult contains statistics about the import operation.
type ImportResult struct {
	Version  string
	Metadata map[string]string
	Imported int
	Skipped  int
}
