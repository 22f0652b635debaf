package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxMessageSize is the maximum NDJSON message size (256 KiB)
const MaxMessageSize = 256 * 1024

// Encoder writes NDJSON messages to an output stream
type Encoder struct {
	writer *bufio.Writer
	logger *slog.Logger
}

// NewEncoder creates a new NDJSON encoder
func NewEncoder(w io.Writer, logger *slog.Logger) *Encoder {
	return &Encoder{
		writer: bufio.NewWriter(w),
		logger: logger,
	}
}

// Encode writes a message as a single JSON line
func (e *Encoder) Encode(v any) error {
	// Marshal to JSON
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	// Check size limit
	if len(data) > MaxMessageSize {
		e.logger.Error("message exceeds size limit",
			"size", len(data),
			"limit", MaxMessageSize,
			"overflow", len(data)-MaxMessageSize)
		return fmt.Errorf("message size %d exceeds limit %d", len(data), MaxMessageSize)
	}

	// Write JSON + newline
	if _, err := e.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Flush immediately for real-time communication
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}

	return nil
}

// Decoder reads NDJSON messages from an input stream
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

// NewDecoder creates a new NDJSON decoder
func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)

	// Set custom buffer with max size enforcement
	buf := make([]byte, MaxMessageSize)
	scanner.Buffer(buf, MaxMessageSize)

	return &Decoder{
		scanner: scanner,
		logger:  logger,
		lineNum: 0,
	}
}

// Decode reads the next NDJSON message
func (d *Decoder) Decode(v any) error {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return fmt.Errorf("scanner error at line %d: %w", d.lineNum, err)
		}
		return io.EOF
	}

	d.lineNum++
	data := d.scanner.Bytes()

	// Check size (should be caught by scanner buffer, but double-check)
	if len(data) > MaxMessageSize {
		d.logger.Error("line exceeds size limit",
			"line", d.lineNum,
			"size", len(data),
			"limit", MaxMessageSize)
		return fmt.Errorf("line %d size %d exceeds limit %d", d.lineNum, len(data), MaxMessageSize)
	}

	// Skip empty lines
	if len(data) == 0 {
		return d.Decode(v)
	}

	// Unmarshal JSON
	if err := json.Unmarshal(data, v); err != nil {
		d.logger.Error("failed to unmarshal JSON",
			"line", d.lineNum,
			"error", err,
			"data", string(data[:min(100, len(data))]))
		return fmt.Errorf("failed to unmarshal line %d: %w", d.lineNum, err)
	}

	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
