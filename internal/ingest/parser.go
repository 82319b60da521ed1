package ingest

import (
	"encoding/csv"
	"regexp"
	"strings"
	"sync"
)

var (
	reTimestamp = regexp.MustCompile(`^\s*([0-9]{4}-[0-9]{2}-[0-9]{2}[ T][0-9:.+\-Z]+)`)
	reSyslogTS  = regexp.MustCompile(`^\s*([A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})`)
	reKV        = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_.\-]*)=("([^"]*)"|\S+)`)
)

// Parser turns one log line into a raw record map. It understands JSON
// objects, CSV with a header line, and key=value text with an optional
// leading timestamp. A Parser remembers the CSV header it has seen, so use
// one per stream.
type Parser struct {
	mu  sync.Mutex
	csv *CSVParser
}

func NewParser() *Parser {
	return &Parser{csv: NewCSVParser()}
}

// ParseLine returns nil, nil for blank lines and CSV header lines.
func (p *Parser) ParseLine(line string) (map[string]any, error) {
	trim := strings.TrimSpace(line)
	if trim == "" {
		return nil, nil
	}
	if looksLikeJSON(trim) {
		if obj, err := ParseJSONBytes([]byte(trim)); err == nil {
			return obj, nil
		}
	}
	if !strings.Contains(trim, "=") && strings.Contains(trim, ",") {
		p.mu.Lock()
		fields, err := p.csv.Parse(trim)
		p.mu.Unlock()
		if err == nil {
			return fields, nil
		}
	}
	return parsePlain(trim), nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func parsePlain(line string) map[string]any {
	fields := make(map[string]any)
	ts, rest := extractTimestamp(line)
	for _, match := range reKV.FindAllStringSubmatch(rest, -1) {
		value := match[2]
		if match[3] != "" || strings.HasPrefix(value, `"`) {
			value = match[3]
		}
		fields[strings.ToLower(match[1])] = value
	}
	if _, ok := fields["timestamp"]; !ok && ts != "" {
		fields["timestamp"] = ts
	}
	if len(fields) == 0 {
		fields["message"] = line
	}
	return fields
}

func extractTimestamp(line string) (string, string) {
	for _, re := range []*regexp.Regexp{reTimestamp, reSyslogTS} {
		m := re.FindStringSubmatchIndex(line)
		if len(m) >= 4 {
			return strings.TrimSpace(line[m[2]:m[3]]), strings.TrimSpace(line[m[3]:])
		}
	}
	return "", line
}

type CSVParser struct {
	header []string
}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

// Parse maps a CSV row onto the last header seen. Rows before any header
// are read positionally as timestamp, identity, source_ip, action, result.
func (p *CSVParser) Parse(line string) (map[string]any, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, nil
	}
	if looksLikeHeader(record) {
		p.header = normalizeHeader(record)
		return nil, nil
	}
	header := p.header
	if header == nil {
		header = []string{"timestamp", "identity", "source_ip", "action", "result"}
	}
	fields := make(map[string]any, len(record))
	for i, name := range header {
		if i >= len(record) {
			break
		}
		if v := strings.TrimSpace(record[i]); v != "" {
			fields[name] = v
		}
	}
	return fields, nil
}

func looksLikeHeader(record []string) bool {
	for _, v := range record {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "timestamp", "time", "ts", "identity", "user", "username", "source_ip", "src_ip", "ip", "action", "result", "status", "source_kind":
			return true
		}
	}
	return false
}

func normalizeHeader(record []string) []string {
	out := make([]string, len(record))
	for i, v := range record {
		out[i] = strings.ToLower(strings.TrimSpace(v))
	}
	return out
}
