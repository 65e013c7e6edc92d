package batch

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"Go2NetLabel/internal/engine/labeler"
)

// FromManifest reads "path,label" lines. An optional header row is skipped
// and relative paths resolve against the manifest's directory.
func FromManifest(manifestPath string) ([]labeler.Task, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	dir := filepath.Dir(manifestPath)
	var tasks []labeler.Task
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", manifestPath, err)
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("manifest %s line %d: want path,label", manifestPath, line)
		}
		path, label := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if line == 1 && strings.EqualFold(path, "path") && strings.EqualFold(label, "label") {
			continue
		}
		if path == "" || label == "" {
			return nil, fmt.Errorf("manifest %s line %d: empty path or label", manifestPath, line)
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		tasks = append(tasks, labeler.Task{Path: path, Label: label})
	}
	return tasks, nil
}

// FromDir builds one task per capture in dir named "<phase>.pcap" or
// "<phase>_<suffix>.pcap" (pcapng too). labels maps phase names to labels;
// the longest matching phase wins, and a file matching none is labeled by
// its own stem.
func FromDir(dir string, labels map[string]string) ([]labeler.Task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	phases := make([]string, 0, len(labels))
	for p := range labels {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return len(phases[i]) > len(phases[j]) })

	var tasks []labeler.Task
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if ext != ".pcap" && ext != ".pcapng" {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		label := stem
		for _, p := range phases {
			if stem == p || strings.HasPrefix(stem, p+"_") {
				label = labels[p]
				break
			}
		}
		tasks = append(tasks, labeler.Task{Path: filepath.Join(dir, name), Label: label})
	}
	return tasks, nil
}
