package collector

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dginev/latexml-runner/pkg/protocol"
)

const (
	FormatCSV   = "csv"
	FormatLines = "lines"
)

// Returns the names of all supported content formats.
func Formats() []string {
	return []string{FormatCSV, FormatLines}
}

// Receives results in index order.
type Sink interface {
	WriteResult(result protocol.Result) error

	// Pushes buffered records to durable storage.
	Flush() error

	Close() error
}

// Implemented by writers that buffer internally.
type flusher interface {
	Flush() error
}

func flushWriter(w io.Writer) error {
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

func closeWriter(w io.Writer) error {
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Writes one single-field CSV record per result.
// Multi-line content is quoted and stays a single record.
type contentSink struct {
	w   io.Writer
	buf *bufio.Writer
	csv *csv.Writer
}

func NewContentSink(w io.Writer) Sink {
	buf := bufio.NewWriter(w)
	// The csv writer reuses buf as its buffer.
	return &contentSink{w: w, buf: buf, csv: csv.NewWriter(buf)}
}

func (s *contentSink) WriteResult(result protocol.Result) error {
	if result.Content == "" {
		// A bare empty line would be skipped by CSV readers.
		_, err := s.buf.WriteString("\"\"\n")
		return err
	}
	return s.csv.Write([]string{result.Content})
}

func (s *contentSink) Flush() error {
	s.csv.Flush()
	if err := s.csv.Error(); err != nil {
		return err
	}
	return flushWriter(s.w)
}

func (s *contentSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return closeWriter(s.w)
}

// Writes one line per result, line breaks in the content are folded into spaces.
type lineSink struct {
	w   io.Writer
	buf *bufio.Writer

	// Renders a result as a single line, without the terminator.
	format func(protocol.Result) string
}

var lineFolder = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func NewLineContentSink(w io.Writer) Sink {
	return &lineSink{
		w:   w,
		buf: bufio.NewWriter(w),
		format: func(result protocol.Result) string {
			return lineFolder.Replace(result.Content)
		},
	}
}

// Writes the decimal status code of every result, one per line.
func NewStatusSink(w io.Writer) Sink {
	return &lineSink{
		w:   w,
		buf: bufio.NewWriter(w),
		format: func(result protocol.Result) string {
			return strconv.Itoa(int(result.Status))
		},
	}
}

func (s *lineSink) WriteResult(result protocol.Result) error {
	_, err := s.buf.WriteString(s.format(result) + "\n")
	return err
}

func (s *lineSink) Flush() error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	return flushWriter(s.w)
}

func (s *lineSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return closeWriter(s.w)
}

// Creates the content sink for the named format.
func NewFormatSink(format string, w io.Writer) (Sink, error) {
	switch format {
	case "", FormatCSV:
		return NewContentSink(w), nil
	case FormatLines:
		return NewLineContentSink(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}
