// Package alignment compares independently labeled datasets of the same run
// and scores how well their per-label time windows coincide.
package alignment

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Go2NetLabel/internal/model"
)

// Point is one labeled observation.
type Point struct {
	Timestamp time.Time
	Label     string
}

// Dataset is a named sequence of labeled observations.
type Dataset struct {
	Name   string
	Points []Point
}

// FromSamples builds a dataset from flow samples.
func FromSamples(name string, samples []model.FlowSample) Dataset {
	d := Dataset{Name: name, Points: make([]Point, len(samples))}
	for i, s := range samples {
		d.Points[i] = Point{Timestamp: s.Timestamp, Label: s.LabelMulti}
	}
	return d
}

// FromRows builds a dataset from labeled packet rows.
func FromRows(name string, rows []model.LabeledFeatureRow) Dataset {
	d := Dataset{Name: name, Points: make([]Point, len(rows))}
	for i, r := range rows {
		d.Points[i] = Point{Timestamp: r.Timestamp, Label: r.LabelMulti}
	}
	return d
}

// LoadCSV reads any CSV with "timestamp" and "Label_multi" columns, such as
// the flow-level and packet-level outputs. The dataset is named after the
// file.
func LoadCSV(path string) (Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dataset{}, err
	}
	defer f.Close()
	return ReadCSV(stem(path), f)
}

// LoadCSVs loads every path. Files whose stems clash, such as the
// flow_samples.csv of two runs, are named "<parent dir>/<stem>" instead.
func LoadCSVs(paths ...string) ([]Dataset, error) {
	seen := make(map[string]int, len(paths))
	for _, p := range paths {
		seen[stem(p)]++
	}
	out := make([]Dataset, 0, len(paths))
	for _, p := range paths {
		ds, err := LoadCSV(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if seen[ds.Name] > 1 {
			ds.Name = filepath.Base(filepath.Dir(p)) + "/" + ds.Name
		}
		out = append(out, ds)
	}
	return out, nil
}

func stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// ReadCSV is LoadCSV for an already open reader.
func ReadCSV(name string, r io.Reader) (Dataset, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return Dataset{}, fmt.Errorf("%s: failed to read header: %w", name, err)
	}
	tsCol, labelCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "timestamp":
			tsCol = i
		case "Label_multi":
			labelCol = i
		}
	}
	if tsCol < 0 || labelCol < 0 {
		return Dataset{}, fmt.Errorf("%s: needs timestamp and Label_multi columns", name)
	}

	d := Dataset{Name: name}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Dataset{}, fmt.Errorf("%s line %d: %w", name, line, err)
		}
		ts, err := model.ParseUnix(rec[tsCol])
		if err != nil {
			return Dataset{}, fmt.Errorf("%s line %d: %w", name, line, err)
		}
		d.Points = append(d.Points, Point{Timestamp: ts, Label: rec[labelCol]})
	}
	return d, nil
}
