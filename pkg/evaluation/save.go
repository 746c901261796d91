package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Save writes sweep results as indented JSON under dir, never overwriting:
// an existing file gets a numeric suffix.
func Save(results []Result, dir, name string) (string, error) {
	if dir == "" {
		dir = "evals"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	if name == "" {
		name = "results.json"
	}
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}

	evalFile := filepath.Join(dir, name)
	for number := 1; ; number++ {
		if _, err := os.Stat(evalFile); err != nil {
			break
		}
		base := strings.TrimSuffix(name, ".json")
		evalFile = filepath.Join(dir, fmt.Sprintf("%s_%d.json", base, number))
	}

	file, err := os.Create(evalFile)
	if err != nil {
		return "", err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return evalFile, encoder.Encode(results)
}
