package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"agentnet/internal/domain"
)

// loadDefinition reads a task definition from a YAML or JSON file, or from
// stdin when path is "-".
func loadDefinition(path string, stdin io.Reader) (domain.TaskDefinition, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return domain.TaskDefinition{}, fmt.Errorf("read definition %s: %w", path, err)
	}
	return parseDefinition(raw, strings.ToLower(filepath.Ext(path)))
}

func parseDefinition(raw []byte, ext string) (domain.TaskDefinition, error) {
	var def domain.TaskDefinition
	if ext == ".json" {
		if err := json.Unmarshal(raw, &def); err != nil {
			return def, fmt.Errorf("decode json definition: %w", err)
		}
		return def, nil
	}
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return def, fmt.Errorf("decode yaml definition: %w", err)
	}
	return def, nil
}
