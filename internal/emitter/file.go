package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/apilink-crawler/internal/crawler"
)

// Format selects the file layout.
type Format string

// Supported file formats.
const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
)

// ParseFormat validates a configured format name. Empty means FormatJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatJSONL:
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("unknown output format %q", s)
	}
}

// FileSink writes records to a local file, truncating it on open. Each record
// goes straight to the OS with no user-space buffering.
type FileSink struct {
	path    string
	format  Format
	file    *os.File
	written int
}

// NewFileSink creates (or truncates) path, creating parent directories.
func NewFileSink(path string, format Format) (*FileSink, error) {
	if path == "" {
		return nil, errors.New("output path is required")
	}
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	sink := &FileSink{path: path, format: format, file: f}
	if format == FormatJSON {
		if _, err := f.WriteString("["); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write output header: %w", err)
		}
	}
	return sink, nil
}

// Path returns the output file path.
func (s *FileSink) Path() string {
	return s.path
}

// Write appends one record.
func (s *FileSink) Write(_ context.Context, record crawler.Record) error {
	if s.file == nil {
		return errors.New("file sink closed")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	var buf []byte
	switch s.format {
	case FormatJSONL:
		buf = append(raw, '\n')
	default:
		sep := ",\n"
		if s.written == 0 {
			sep = "\n"
		}
		buf = append([]byte(sep), raw...)
	}
	if _, err := s.file.Write(buf); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	s.written++
	return nil
}

// Close terminates the JSON array, syncs and closes the file.
func (s *FileSink) Close(_ context.Context) error {
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	if s.format == FormatJSON {
		if _, err := f.WriteString("\n]\n"); err != nil {
			_ = f.Close()
			return fmt.Errorf("write output footer: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}
