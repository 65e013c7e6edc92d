package timeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"Go2NetLabel/internal/model"

	"gopkg.in/yaml.v3"
)

type intervalDoc struct {
	Label string     `yaml:"label"`
	Start time.Time  `yaml:"start"`
	End   *time.Time `yaml:"end,omitempty"`
}

type timelineDoc struct {
	Intervals []intervalDoc `yaml:"intervals"`
}

// Save writes the timeline to a YAML file.
func (t *Tracker) Save(filePath string) error {
	doc := timelineDoc{}
	for _, iv := range t.Intervals() {
		doc.Intervals = append(doc.Intervals, intervalDoc{Label: iv.Label, Start: iv.Start, End: iv.End})
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create timeline directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write timeline file: %w", err)
	}
	return nil
}

// Load reads a timeline previously written by Save. The intervals are
// replayed through OpenInterval/Close so a corrupted file cannot produce an
// overlapping timeline.
func Load(filePath string) (*Tracker, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read timeline file: %w", err)
	}

	var doc timelineDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal timeline YAML: %w", err)
	}

	t := NewTracker()
	for i, iv := range doc.Intervals {
		if err := t.OpenInterval(iv.Label, iv.Start); err != nil {
			return nil, fmt.Errorf("interval %d (%s): %w", i, iv.Label, err)
		}
		if iv.End != nil {
			if iv.End.Before(iv.Start) {
				return nil, fmt.Errorf("interval %d (%s): end before start", i, iv.Label)
			}
			t.Close(*iv.End)
		}
	}
	return t, nil
}

// Labels returns the distinct labels in order of first appearance.
func Labels(intervals []model.LabelInterval) []string {
	seen := make(map[string]bool)
	var out []string
	for _, iv := range intervals {
		if !seen[iv.Label] {
			seen[iv.Label] = true
			out = append(out, iv.Label)
		}
	}
	return out
}
