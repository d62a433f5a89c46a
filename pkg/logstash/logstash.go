package logstash

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"

	"github.com/spf13/afero"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/utils"
)

type LogStashConfig interface {
	// Get the maximum allowed size of the stash
	// If the stash is larger than this, the oldest entries will be removed.
	// If this is 0, the stash will be unbounded.
	MaxSize() int64
}

// Stores worker conversion logs of failed tasks.
type LogStash interface {
	// Open a log for appending, creating it if needed.
	Append(id string) (LogWriter, error)

	// Open a log for reading.
	Read(id string) (LogReader, error)
}

// Log identifiers double as file names.
var validId = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:-]*$`)

func checkId(id string) error {
	if !validId.MatchString(id) {
		return fmt.Errorf("%w: log id %q", utils.ErrInvalid, id)
	}
	return nil
}

type logFile struct {
	fs   afero.Fs
	path string
	size int64
}

func newLogFile(fs afero.Fs, path string) *logFile {
	var size int64

	if st, err := fs.Stat(path); err == nil {
		size = st.Size()
	}

	return &logFile{
		fs:   fs,
		path: path,
		size: size,
	}
}

func (f *logFile) Path() string {
	return f.path
}

func (f *logFile) Size() int64 {
	return f.size
}

func (f *logFile) Unlink() error {
	return f.fs.Remove(f.path)
}

type logStash struct {
	sync.RWMutex
	config LogStashConfig
	fs     afero.Fs
	lru    *utils.LRU[*logFile]
}

// Create a log stash on the given filesystem.
// Logs already present are indexed, oldest walked first.
func NewLogStash(config LogStashConfig, fs afero.Fs) LogStash {
	stash := &logStash{
		config: config,
		fs:     fs,
	}

	stash.lru = utils.NewLRU[*logFile](config.MaxSize(), func(item *logFile) bool {
		log.Debug("del - log - id:", item.Path())
		item.Unlink()
		return true
	})

	logCount := 0

	afero.Walk(fs, ".", func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}

		stash.lru.Add(newLogFile(fs, path))
		logCount++
		return nil
	})

	log.Infof("Loaded %d worker logs into stash. Size: %s / %s",
		logCount, utils.HumanByteSize(stash.lru.Size()), utils.HumanByteSize(config.MaxSize()))

	return stash
}

func (s *logStash) Append(id string) (LogWriter, error) {
	if err := checkId(id); err != nil {
		return nil, err
	}

	file, err := s.fs.OpenFile(id, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	// Open logs are never evicted.
	s.Lock()
	s.lru.Remove(id)
	s.Unlock()

	log.Debug("add - log - id:", id)

	return newFileLogWriter(s, id, file), nil
}

func (s *logStash) Read(id string) (LogReader, error) {
	if err := checkId(id); err != nil {
		return nil, err
	}

	file, err := s.fs.Open(id)
	if err != nil {
		return nil, fmt.Errorf("%w: log %s", utils.ErrNotFound, id)
	}

	return newFileLogReader(file), nil
}

func (s *logStash) logClosed(id string) {
	s.Lock()
	defer s.Unlock()

	s.lru.Add(newLogFile(s.fs, id))
}

// Writes a complete log in one go.
func Store(stash LogStash, id string, lines ...string) error {
	writer, err := stash.Append(id)
	if err != nil {
		return err
	}

	for _, line := range lines {
		if err := writer.WriteLine(line); err != nil {
			writer.Close()
			return err
		}
	}
	return writer.Close()
}

// Reads a complete log.
func ReadAll(stash LogStash, id string) ([]string, error) {
	reader, err := stash.Read(id)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var lines []string
	for {
		line, err := reader.ReadLine()
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
}
