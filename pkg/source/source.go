// Package source reads conversion tasks from input files, lazily and in order.
package source

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/dginev/latexml-runner/pkg/protocol"
)

// Default upper bound for a single input line.
const DefaultMaxLineSize = 16 * 1024 * 1024

var (
	ErrLineTooLong = errors.New("line too long")
	ErrInvalidUTF8 = errors.New("invalid UTF-8")
)

// Produces tasks with consecutive indices starting at zero.
// Returns io.EOF when drained. Records that cannot be read are
// returned as tasks with Err set, so that indices stay aligned with the input.
type Source interface {
	Next() (protocol.Task, error)

	// Number of tasks produced so far.
	Count() uint64
}

// One task per line. Line terminators are stripped, empty lines are tasks.
type lineSource struct {
	reader  *bufio.Reader
	maxSize int
	count   uint64
}

func NewLineSource(r io.Reader, maxLineSize int) Source {
	if maxLineSize <= 0 {
		maxLineSize = DefaultMaxLineSize
	}
	return &lineSource{
		reader:  bufio.NewReader(r),
		maxSize: maxLineSize,
	}
}

func (s *lineSource) Next() (protocol.Task, error) {
	var (
		line     []byte
		tooLong  bool
		complete bool
	)

	for !complete {
		chunk, err := s.reader.ReadSlice('\n')
		switch {
		case err == nil:
			complete = true
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			if len(line) == 0 && len(chunk) == 0 && !tooLong {
				return protocol.Task{}, io.EOF
			}
			complete = true
		default:
			return protocol.Task{}, err
		}

		if !tooLong {
			line = append(line, chunk...)
			if len(line) > s.maxSize+2 {
				tooLong = true
				line = nil
			}
		}
	}

	task := protocol.Task{Index: s.count}
	s.count++

	text := strings.TrimSuffix(strings.TrimSuffix(string(line), "\n"), "\r")
	switch {
	case tooLong:
		task.Err = fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, s.maxSize)
	case !utf8.ValidString(text):
		task.Err = ErrInvalidUTF8
	default:
		task.Payload = text
	}

	return task, nil
}

func (s *lineSource) Count() uint64 {
	return s.count
}

// One task per CSV record. Quoted fields may span several lines,
// fields of a record are joined with commas.
type csvSource struct {
	reader *csv.Reader
	count  uint64
}

func NewCSVSource(r io.Reader) Source {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true
	return &csvSource{reader: reader}
}

func (s *csvSource) Next() (protocol.Task, error) {
	record, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return protocol.Task{}, io.EOF
	}

	var parseErr *csv.ParseError
	if err != nil && !errors.As(err, &parseErr) {
		return protocol.Task{}, err
	}

	task := protocol.Task{Index: s.count}
	s.count++

	switch {
	case err != nil:
		task.Err = err
	default:
		task.Payload = strings.Join(record, ",")
		if !utf8.ValidString(task.Payload) {
			task.Payload = ""
			task.Err = ErrInvalidUTF8
		}
	}

	return task, nil
}

func (s *csvSource) Count() uint64 {
	return s.count
}

// A source reading from a file.
type FileSource struct {
	Source
	closers []io.Closer
}

func (s *FileSource) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

// Opens an input file.
// Files named *.csv (or *.csv.gz) are read as CSV, anything else line by line.
// Files ending in .gz are decompressed.
func Open(fs afero.Fs, path string, maxLineSize int) (*FileSource, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, err
	}

	fileSource := &FileSource{closers: []io.Closer{file}}

	var reader io.Reader = file
	name := path
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		fileSource.closers = append(fileSource.closers, gz)
		reader = gz
		name = strings.TrimSuffix(name, ".gz")
	}

	if strings.HasSuffix(strings.ToLower(name), ".csv") {
		fileSource.Source = NewCSVSource(reader)
	} else {
		fileSource.Source = NewLineSource(reader, maxLineSize)
	}

	return fileSource, nil
}
