// Package config provides loading for the POI category catalog.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/poiplane/poiplane/internal/domain"
)

// catalogYAML represents the structure of the poi_types file.
type catalogYAML struct {
	Categories []struct {
		Label string `yaml:"label"`
		Codes string `yaml:"codes"`
	} `yaml:"categories"`
}

// LoadCatalog loads the ordered POI category catalog from a YAML file.
// Entry order is preserved; it defines the crawl and resume order.
func LoadCatalog(filePath string) (domain.Catalog, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadCatalog: resolve path: %w", err)
	}

	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadCatalog: read %s: %w", absPath, err)
	}

	var raw catalogYAML
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("op=config.LoadCatalog: parse YAML: %w", err)
	}
	if len(raw.Categories) == 0 {
		return nil, fmt.Errorf("op=config.LoadCatalog: no categories in %s", absPath)
	}

	seen := make(map[string]struct{}, len(raw.Categories))
	catalog := make(domain.Catalog, 0, len(raw.Categories))
	for i, c := range raw.Categories {
		label := strings.TrimSpace(c.Label)
		codes := strings.TrimSpace(c.Codes)
		if label == "" || codes == "" {
			return nil, fmt.Errorf("op=config.LoadCatalog: entry %d missing label or codes", i)
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("op=config.LoadCatalog: duplicate label %q", label)
		}
		seen[label] = struct{}{}
		catalog = append(catalog, domain.Category{Label: label, Codes: codes})
	}
	return catalog, nil
}

// DefaultCatalog mirrors configs/poi_types.yaml for deployments that ship
// without the file.
func DefaultCatalog() domain.Catalog {
	return domain.Catalog{
		{Label: "交通设施服务", Codes: "150104|150200|150400|150500"},
		{Label: "风景名胜", Codes: "110000|110200"},
	}
}

// LoadCatalogOrDefault loads the catalog from filePath, falling back to the
// compiled-in default when the file is absent or unreadable.
func LoadCatalogOrDefault(filePath string) domain.Catalog {
	catalog, err := LoadCatalog(filePath)
	if err != nil {
		return DefaultCatalog()
	}
	return catalog
}
