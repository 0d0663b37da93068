package plans

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("plan not found")

var extensions = []string{".yaml", ".yml", ".json"}

// Loader reads plan presets from the configured search paths. Documents are
// cached by name after the first successful load.
type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewLoader(searchPaths []string) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

func (l *Loader) Validator() *Validator {
	return l.validator
}

func (l *Loader) Load(name string) (*Document, error) {
	// Cache-Check
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*Document), nil
	}

	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid plan name %q", name)
	}

	var (
		data      []byte
		foundPath string
	)
	for _, searchPath := range l.searchPaths {
		for _, ext := range extensions {
			fullPath := filepath.Join(searchPath, name+ext)
			b, err := os.ReadFile(fullPath)
			if err == nil {
				data, foundPath = b, fullPath
				break
			}
		}
		if data != nil {
			break
		}
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %s (searched in: %v)", ErrNotFound, name, l.searchPaths)
	}

	jsonData, err := toJSON(foundPath, data)
	if err != nil {
		return nil, err
	}

	doc, err := l.validator.Parse(jsonData)
	if err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", foundPath, err)
	}

	l.cache.Store(name, doc)

	return doc, nil
}

// List returns the names of all presets found in the search paths.
func (l *Loader) List() ([]string, error) {
	var names []string
	for _, searchPath := range l.searchPaths {
		entries, err := os.ReadDir(searchPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read plan directory %s: %w", searchPath, err)
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if e.IsDir() || !slices.Contains(extensions, ext) {
				continue
			}
			names = append(names, strings.TrimSuffix(e.Name(), ext))
		}
	}
	slices.Sort(names)
	return slices.Compact(names), nil
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}

// YAML presets are validated in their JSON form so one schema covers both.
func toJSON(path string, data []byte) ([]byte, error) {
	if filepath.Ext(path) == ".json" {
		return data, nil
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", path, err)
	}
	return out, nil
}
