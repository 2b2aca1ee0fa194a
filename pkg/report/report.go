// Package report parses the .report files written by the external test
// driver (§4.7) and turns a failing run into the human-readable summary the
// Tester sends in its IRC notification.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Record is one "---"-delimited block of "key: value" lines.
type Record map[string]string

// Parse reads the record-separated text format at path. A missing file
// yields an empty, non-error result (spec §4.7).
func Parse(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) ([]Record, error) {
	var records []Record
	current := Record{}
	scanner := bufio.NewScanner(r)
	flush := func() {
		if len(current) > 0 {
			records = append(records, current)
			current = Record{}
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "---":
			flush()
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			continue
		default:
			if key, value, ok := strings.Cut(trimmed, ":"); ok {
				current[strings.TrimSpace(key)] = strings.TrimSpace(value)
			}
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("report: scan: %w", err)
	}
	return records, nil
}
