package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
)

// urlColumns are the header names recognised as the URL column, in preference order.
var urlColumns = []string{"property_url", "url", "listing_url", "link"}

// readLines reads one URL per line. Blank lines and lines starting with # are skipped.
func readLines(r io.Reader) ([]listedURL, error) {
	var out []listedURL
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, listedURL{Line: n, URL: line})
	}
	return out, sc.Err()
}

// readCSV reads the URL column of a CSV file. A header naming one of urlColumns selects
// that column; without one the first column is used and the first row is data.
func readCSV(r io.Reader) ([]listedURL, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	return fromRows(records), nil
}

// readXLSX reads the URL column of the first sheet, with the same header rule as readCSV.
func readXLSX(data []byte) ([]listedURL, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("sheet %q: %w", sheets[0], err)
	}
	return fromRows(rows), nil
}

func fromRows(rows [][]string) []listedURL {
	if len(rows) == 0 {
		return nil
	}
	col, start := 0, 0
	if c := headerColumn(rows[0]); c >= 0 {
		col, start = c, 1
	}

	var out []listedURL
	for i := start; i < len(rows); i++ {
		if col >= len(rows[i]) {
			continue
		}
		v := strings.TrimSpace(rows[i][col])
		if v == "" || strings.HasPrefix(v, "#") {
			continue
		}
		out = append(out, listedURL{Line: i + 1, URL: v})
	}
	return out
}

func headerColumn(header []string) int {
	for _, want := range urlColumns {
		for i, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				return i
			}
		}
	}
	return -1
}
