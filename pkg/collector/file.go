package collector

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// An output file, optionally gzip compressed.
type fileStream struct {
	file afero.File
	gz   *gzip.Writer
}

// Creates path and its parent directories.
// Paths ending in .gz are compressed.
func createFile(fs afero.Fs, path string) (*fileStream, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	file, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	stream := &fileStream{file: file}
	if strings.HasSuffix(path, ".gz") {
		stream.gz = gzip.NewWriter(file)
	}
	return stream, nil
}

func (s *fileStream) Write(data []byte) (int, error) {
	if s.gz != nil {
		return s.gz.Write(data)
	}
	return s.file.Write(data)
}

// Completes pending compressed blocks and syncs the file to disk.
func (s *fileStream) Flush() error {
	if s.gz != nil {
		if err := s.gz.Flush(); err != nil {
			return err
		}
	}
	return s.file.Sync()
}

func (s *fileStream) Close() error {
	var errs []error
	if s.gz != nil {
		errs = append(errs, s.gz.Close())
	}
	errs = append(errs, s.file.Close())
	return errors.Join(errs...)
}

// Opens the content and status sinks of a conversion.
func OpenFileSinks(fs afero.Fs, format, contentPath, statusPath string) (Sink, Sink, error) {
	contentFile, err := createFile(fs, contentPath)
	if err != nil {
		return nil, nil, err
	}

	content, err := NewFormatSink(format, contentFile)
	if err != nil {
		contentFile.Close()
		return nil, nil, err
	}

	statusFile, err := createFile(fs, statusPath)
	if err != nil {
		contentFile.Close()
		return nil, nil, err
	}

	return content, NewStatusSink(statusFile), nil
}
