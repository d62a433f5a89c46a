package logstash

import (
	"bufio"
	"strings"

	"github.com/spf13/afero"
)

type LogWriter interface {
	// Writes a line. Embedded line breaks start new lines.
	WriteLine(line string) error
	Close() error
}

type fileLogWriter struct {
	id     string
	file   afero.File
	writer *bufio.Writer
	stash  *logStash
}

func newFileLogWriter(stash *logStash, id string, file afero.File) *fileLogWriter {
	return &fileLogWriter{
		id:     id,
		file:   file,
		writer: bufio.NewWriter(file),
		stash:  stash,
	}
}

func (w *fileLogWriter) WriteLine(line string) error {
	_, err := w.writer.WriteString(strings.TrimRight(line, "\r\n") + "\n")
	return err
}

func (w *fileLogWriter) Close() error {
	defer w.stash.logClosed(w.id)

	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

func (w *fileLogWriter) Path() string {
	return w.file.Name()
}
