package elastix

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"araregistration/internal/models"
)

// SaveInvertedTransform persists an inverted transform record as YAML
func SaveInvertedTransform(path string, rec *models.InvertedTransform) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("error marshaling inverted transform: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing inverted transform: %w", err)
	}
	return nil
}

// LoadInvertedTransform reads a record written by SaveInvertedTransform
func LoadInvertedTransform(path string) (*models.InvertedTransform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading inverted transform: %w", err)
	}
	rec := &models.InvertedTransform{}
	if err := yaml.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("error parsing inverted transform %s: %w", path, err)
	}
	return rec, nil
}
