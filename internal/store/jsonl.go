package store

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"evoagent/internal/jsonx"
)

// Append-only JSONL files are the durable substrate: one strict JSON object
// per line, UTF-8. Readers skip malformed lines so a single bad record never
// poisons the log.

// AppendJSONL serializes record and appends it as one line, creating parent
// directories as needed.
func AppendJSONL(path string, record any) error {
	data, err := jsonx.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal jsonl record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// ReadJSONL decodes every well-formed line of path into T. A missing file
// yields an empty slice; blank and malformed lines are skipped.
func ReadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record T
		if err := jsonx.Unmarshal(line, &record); err != nil {
			continue
		}
		out = append(out, record)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}

// RewriteJSONL atomically replaces path with the given records via a
// temp-file rename. Used only for the signal store's mark-handled rewrite.
func RewriteJSONL[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	var buf bytes.Buffer
	for _, record := range records {
		data, err := jsonx.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal jsonl record: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
