package inventory

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

var delimiters = []rune{';', ',', '|', '\t'}

// ParseUnits разбирает выгрузку единиц товара в виде TXT или CSV.
// Колонки строки CSV склеиваются через ":", пустые строки и дубликаты отбрасываются.
// Вторым значением возвращается число отброшенных дубликатов.
func ParseUnits(r io.Reader) ([]string, int, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read units: %w", err)
	}
	text := strings.TrimSpace(strings.ReplaceAll(string(raw), "\r\n", "\n"))
	if text == "" {
		return nil, 0, nil
	}

	lines, ok := parseDelimited(text)
	if !ok {
		lines = parsePlain(text)
	}

	seen := make(map[string]struct{}, len(lines))
	payloads := make([]string, 0, len(lines))
	duplicates := 0
	for _, line := range lines {
		if _, dup := seen[line]; dup {
			duplicates++
			continue
		}
		seen[line] = struct{}{}
		payloads = append(payloads, line)
	}
	return payloads, duplicates, nil
}

func parseDelimited(text string) ([]string, bool) {
	sep, ok := sniffDelimiter(text)
	if !ok {
		return nil, false
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sep
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, false
	}

	lines := make([]string, 0, len(records))
	for _, record := range records {
		cols := make([]string, 0, len(record))
		for _, col := range record {
			if col = strings.TrimSpace(col); col != "" {
				cols = append(cols, col)
			}
		}
		if len(cols) > 0 {
			lines = append(lines, strings.Join(cols, ":"))
		}
	}
	return lines, true
}

// sniffDelimiter выбирает разделитель, присутствующий в каждой непустой строке первых 1024 байт.
func sniffDelimiter(text string) (rune, bool) {
	sample := text
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	var rows []string
	for _, row := range strings.Split(sample, "\n") {
		if strings.TrimSpace(row) != "" {
			rows = append(rows, row)
		}
	}
	for _, d := range delimiters {
		found := true
		for _, row := range rows {
			if !strings.ContainsRune(row, d) {
				found = false
				break
			}
		}
		if found && len(rows) > 0 {
			return d, true
		}
	}
	return 0, false
}

func parsePlain(text string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
