package stage

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

// readTable loads a headed CSV report into row maps, failing when a
// required column is absent. Stage reports are small; full in-memory reads
// are fine here.
func readTable(path string, required ...string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening report %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing report %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("report %s is empty", path)
	}

	header := records[0]
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("report %s: missing column %q", path, name)
		}
	}

	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for name, i := range cols {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cellFloat(row map[string]string, col, path string) (float64, error) {
	v, err := strconv.ParseFloat(row[col], 64)
	if err != nil {
		return 0, fmt.Errorf("report %s: column %q: %w", path, col, err)
	}
	return v, nil
}

func cellInt(row map[string]string, col, path string) (int, error) {
	v, err := strconv.Atoi(row[col])
	if err != nil {
		return 0, fmt.Errorf("report %s: column %q: %w", path, col, err)
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
