// Package report renders collected iterations as a nested JSON document, a
// flattened tab-separated table, or a SQLite table of the same rows.
package report

import (
	"fmt"
	"strings"

	"github.com/wesm/ado-sprint-digest/internal/db"
	"github.com/wesm/ado-sprint-digest/internal/models"
)

// Format selects how a report is rendered
type Format int

const (
	Nested Format = iota
	Tabular
	SQLite
)

// ParseFormat maps a configured formatter name to a Format. Anything
// unrecognised falls back to Nested.
func ParseFormat(name string) Format {
	f, _ := LookupFormat(name)
	return f
}

// LookupFormat is ParseFormat that also reports whether name was recognised.
// An empty name selects the default and counts as recognised.
func LookupFormat(name string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return Nested, true
	case "tsv":
		return Tabular, true
	case "sqlite":
		return SQLite, true
	default:
		return Nested, false
	}
}

func (f Format) String() string {
	switch f {
	case Tabular:
		return "tsv"
	case SQLite:
		return "sqlite"
	default:
		return "json"
	}
}

// Render produces the file contents for the text formats
func (f Format) Render(iterations []models.Iteration) ([]byte, error) {
	switch f {
	case Nested:
		return NestedJSON(iterations)
	case Tabular:
		return TSV(iterations), nil
	default:
		return nil, fmt.Errorf("format %s is not a text format", f)
	}
}

// Write renders iterations and replaces the file at path. The destination is
// only touched once the whole report has been produced.
func Write(path string, f Format, iterations []models.Iteration) error {
	if f == SQLite {
		if err := db.WriteReport(path, Columns, Rows(iterations)); err != nil {
			return fmt.Errorf("failed to write sqlite report: %w", err)
		}
		return nil
	}

	data, err := f.Render(iterations)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}
