package fetcher

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/flagsweep/flagsweep/internal/domain"
)

// LoadFile reads a candidate list from a JSON file. Any malformed entry
// fails the whole load; a partial candidate list is worse than none.
func LoadFile(path string) ([]domain.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Field: "input", Msg: err.Error()}
	}

	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, &domain.ConfigError{Field: "input", Msg: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	seen := make(map[string]bool, len(tasks))
	for i, task := range tasks {
		if err := task.Validate(); err != nil {
			return nil, &domain.ConfigError{Field: "input", Msg: fmt.Sprintf("entry %d: %v", i, err)}
		}
		if seen[task.Key] {
			return nil, &domain.ConfigError{Field: "input", Msg: fmt.Sprintf("duplicate candidate key %q", task.Key)}
		}
		seen[task.Key] = true
	}
	return tasks, nil
}

// WriteFile writes a candidate list as indented JSON, the same format
// LoadFile accepts.
func WriteFile(path string, tasks []domain.Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
