package generator

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReferenceFile is the name of the constituency reference file written next to the exports.
const ReferenceFile = "constituencies.json"

// WriteDataset writes every export below dir and the constituency reference data to
// dir/constituencies.json. It returns the paths of the written exports.
func WriteDataset(dataset Dataset, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	paths := make([]string, 0, len(dataset.Exports))
	for _, export := range dataset.Exports {
		path := filepath.Join(dir, export.Path)
		if err := writeCSV(path, export.Rows); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	if err := writeJSON(filepath.Join(dir, ReferenceFile), dataset); err != nil {
		return paths, err
	}
	return paths, nil
}

func writeCSV(path string, rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, data any) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode json for %s: %w", path, err)
	}
	return nil
}
