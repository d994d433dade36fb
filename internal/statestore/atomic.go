package statestore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"powertrader/internal/domain"
)

// WriteAtomic replaces path with data. Readers observe either the previous
// content or the full new content, never a partial write.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// WriteJSON marshals v and writes it with WriteAtomic.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteAtomic(path, append(data, '\n'))
}

// AppendRecord appends record plus a newline delimiter in a single write and
// syncs before returning. Records must not contain newlines.
func AppendRecord(path string, record []byte) error {
	if bytes.ContainsAny(record, "\r\n") {
		return errors.New("record contains a newline")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	line := make([]byte, 0, len(record)+1)
	line = append(line, record...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

// AppendJSON marshals v compactly and appends it as one record.
func AppendJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return AppendRecord(path, data)
}

// ReadTolerant returns the trimmed content of path, or false when the file is
// missing, unreadable or blank.
func ReadTolerant(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, false
	}
	return data, true
}

// ReadJSON decodes path into v. It returns false when the file is absent or the
// content does not parse; v is left untouched in that case.
func ReadJSON(path string, v interface{}) bool {
	data, ok := ReadTolerant(path)
	if !ok {
		return false
	}
	// Syntax check first so a truncated file never partially populates v.
	if !json.Valid(data) {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false
	}
	return true
}

// ReadLines returns the non-empty lines of a newline-delimited file. A trailing
// partial line without its delimiter is ignored.
func ReadLines(path string) ([][]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	complete := data
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		complete = data[:i+1]
	} else {
		complete = nil
	}
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(complete))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, true
}

// WriteNumbers writes values as a single space-separated line.
func WriteNumbers(path string, values []float64) error {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return WriteAtomic(path, []byte(strings.Join(parts, " ")+"\n"))
}

// ReadNumbers leniently decodes a loosely formatted numeric text file
// ("[1.5, 2.0]", "1.5 2.0", one per line ...). Any unparsable token makes the
// whole file absent.
func ReadNumbers(path string) ([]float64, bool) {
	data, ok := ReadTolerant(path)
	if !ok {
		return nil, false
	}
	fields := strings.FieldsFunc(string(data), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';'
	})
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "[](){}\"'")
		if f == "" {
			continue
		}
		v, ok := domain.LenientFloat(f)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
