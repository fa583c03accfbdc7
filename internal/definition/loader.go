// Package definition loads wizard definitions from YAML, validates their step
// graph and bindings, and provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pitabwire/stepwise/model"
	"gopkg.in/yaml.v3"
)

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WizardFile.
func (l *Loader) LoadAll(directories []string) ([]model.WizardFile, error) {
	var files []model.WizardFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			file, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, file)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML definition file. It computes the
// SHA-256 checksum and records the source file path.
func (l *Loader) LoadFile(path string) (model.WizardFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WizardFile{}, fmt.Errorf("reading %s: %w", path, err)
	}
	file, err := l.Parse(data)
	if err != nil {
		return model.WizardFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	file.SourceFile = path
	return file, nil
}

// Parse decodes a definition document. Unknown keys are rejected so typos in
// field attributes surface at load time.
func (l *Loader) Parse(data []byte) (model.WizardFile, error) {
	var file model.WizardFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return model.WizardFile{}, err
	}
	file.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return file, nil
}
