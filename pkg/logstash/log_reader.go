package logstash

import (
	"bufio"
	"io"
	"strings"

	"github.com/spf13/afero"
)

type LogReader interface {
	// Returns the next line without its terminator, or io.EOF.
	ReadLine() (string, error)
	Close() error
}

type fileLogReader struct {
	file   afero.File
	reader *bufio.Reader
}

func newFileLogReader(file afero.File) *fileLogReader {
	return &fileLogReader{
		file:   file,
		reader: bufio.NewReader(file),
	}
}

func (r *fileLogReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err == io.EOF && line != "" {
		err = nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (r *fileLogReader) Close() error {
	return r.file.Close()
}

type LogFilterFunc func(line string) bool

// Only passes LaTeXML messages of the given severity or worse.
// Severities are "info", "warning", "error" and "fatal".
func SeverityFilter(severity string) LogFilterFunc {
	prefixes := map[string][]string{
		"warning": {"Warning:", "Error:", "Fatal:"},
		"error":   {"Error:", "Fatal:"},
		"fatal":   {"Fatal:"},
	}[strings.ToLower(severity)]

	return func(line string) bool {
		if len(prefixes) == 0 {
			return true
		}
		for _, prefix := range prefixes {
			if strings.HasPrefix(strings.TrimSpace(line), prefix) {
				return true
			}
		}
		return false
	}
}

type filteredLogReader struct {
	reader  LogReader
	filters []LogFilterFunc
}

func NewFilteredLogReader(reader LogReader) *filteredLogReader {
	return &filteredLogReader{
		reader: reader,
	}
}

func (r *filteredLogReader) AddFilter(filter LogFilterFunc) {
	r.filters = append(r.filters, filter)
}

func (r *filteredLogReader) Match(line string) bool {
	for _, filter := range r.filters {
		if !filter(line) {
			return false
		}
	}

	return true
}

func (r *filteredLogReader) ReadLine() (string, error) {
	for {
		line, err := r.reader.ReadLine()
		if err != nil {
			return "", err
		}

		if r.Match(line) {
			return line, nil
		}
	}
}

func (r *filteredLogReader) Close() error {
	return r.reader.Close()
}
