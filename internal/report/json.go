package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/matindow/modi-api/internal/scenario"
)

// Document is the JSON report.
type Document struct {
	Metadata Metadata           `json:"metadata"`
	Summary  *Summary           `json:"summary"`
	Results  []*scenario.Result `json:"results"`
}

// Metadata describes the run that produced a Document.
type Metadata struct {
	RunID       string    `json:"runId"`
	Name        string    `json:"name,omitempty"`
	Target      string    `json:"target"`
	Contract    string    `json:"contract,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
	Generator   string    `json:"generator"`
}

// NewDocument assembles a report from a reporter.
func NewDocument(meta Metadata, r *Reporter) *Document {
	if meta.Generator == "" {
		meta.Generator = "modi-conform"
	}
	if meta.GeneratedAt.IsZero() {
		meta.GeneratedAt = time.Now().UTC()
	}
	return &Document{Metadata: meta, Summary: r.Summary(), Results: r.Results()}
}

// WriteJSON writes doc as indented JSON.
func WriteJSON(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return nil
}

// Marshal returns doc as indented JSON.
func Marshal(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return append(data, '\n'), nil
}

// ExpandPath replaces {timestamp} and {date} in path.
func ExpandPath(path string, now time.Time) string {
	path = strings.ReplaceAll(path, "{timestamp}", now.Format("20060102-150405"))
	path = strings.ReplaceAll(path, "{date}", now.Format("2006-01-02"))
	return filepath.Clean(path)
}

// WriteJSONFile writes doc to path, creating parent directories.
func WriteJSONFile(path string, doc *Document) error {
	data, err := Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report file: %w", err)
	}
	return nil
}
