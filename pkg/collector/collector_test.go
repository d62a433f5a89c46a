package collector

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dginev/latexml-runner/pkg/protocol"
)

// Records written results and flushes.
type memorySink struct {
	results []protocol.Result
	flushed int
	flushes int
	closed  bool
	err     error
}

func (s *memorySink) WriteResult(result protocol.Result) error {
	if s.err != nil {
		return s.err
	}
	s.results = append(s.results, result)
	return nil
}

func (s *memorySink) Flush() error {
	s.flushes++
	s.flushed = len(s.results)
	return nil
}

func (s *memorySink) Close() error {
	s.closed = true
	return s.Flush()
}

func (s *memorySink) indices() []uint64 {
	var indices []uint64
	for _, r := range s.results {
		indices = append(indices, r.Index)
	}
	return indices
}

// Blocks every write until released.
type blockingSink struct {
	memorySink
	mu      sync.Mutex
	entered chan struct{}
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (s *blockingSink) WriteResult(result protocol.Result) error {
	s.entered <- struct{}{}
	<-s.release

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memorySink.WriteResult(result)
}

func (s *blockingSink) indices() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memorySink.indices()
}

func TestBookkeepingDuringSlowWrites(t *testing.T) {
	content := newBlockingSink()
	c := New(content, &memorySink{}, 1)

	errs := make(chan error, 2)
	go func() { errs <- c.Submit(protocol.Converted(0, "a")) }()
	<-content.entered

	// The write of index 0 is stuck in the sink, bookkeeping is not.
	done := make(chan struct{})
	go func() {
		assert.Equal(t, uint64(1), c.Next())
		assert.Equal(t, 1, c.Written())
		assert.Equal(t, 0, c.Pending())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bookkeeping blocked behind sink I/O")
	}

	go func() { errs <- c.Submit(protocol.Converted(1, "b")) }()
	assert.Eventually(t, func() bool {
		return c.Next() == 2
	}, time.Second, time.Millisecond)

	close(content.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	require.NoError(t, c.Close())
	assert.Equal(t, []uint64{0, 1}, content.indices())
}

func TestOutOfOrderCompletion(t *testing.T) {
	content, status := &memorySink{}, &memorySink{}
	c := New(content, status, 0)

	// Worker A answers 0, 2, 4 fast, worker B answers 1 and 3 late.
	for _, index := range []uint64{0, 2, 4} {
		require.NoError(t, c.Submit(protocol.Converted(index, "fast")))
	}
	assert.Equal(t, []uint64{0}, content.indices())
	assert.Equal(t, uint64(1), c.Next())
	assert.Equal(t, 2, c.Pending())

	require.NoError(t, c.Submit(protocol.Converted(1, "slow")))
	assert.Equal(t, []uint64{0, 1, 2}, content.indices())

	require.NoError(t, c.Submit(protocol.Converted(3, "slow")))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, content.indices())
	assert.Equal(t, content.indices(), status.indices())
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 5, c.Written())

	require.NoError(t, c.Close())
	assert.True(t, content.closed)
	assert.True(t, status.closed)
}

func TestRandomOrder(t *testing.T) {
	content, status := &memorySink{}, &memorySink{}
	c := New(content, status, 7)

	const n = 500
	order := rand.Perm(n)

	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Submit(protocol.Converted(uint64(i), "")))
		}()
	}
	wg.Wait()
	require.NoError(t, c.Close())

	require.Len(t, content.results, n)
	for i, r := range content.results {
		assert.Equal(t, uint64(i), r.Index)
	}
	assert.Equal(t, content.indices(), status.indices())
}

func TestDuplicate(t *testing.T) {
	c := New(&memorySink{}, &memorySink{}, 0)

	require.NoError(t, c.Submit(protocol.Converted(0, "")))
	require.NoError(t, c.Submit(protocol.Converted(2, "")))

	assert.ErrorIs(t, c.Submit(protocol.Converted(0, "")), ErrDuplicate)
	assert.ErrorIs(t, c.Submit(protocol.Converted(2, "")), ErrDuplicate)
}

func TestAutoflush(t *testing.T) {
	content, status := &memorySink{}, &memorySink{}
	c := New(content, status, 3)

	for i := uint64(0); i < 7; i++ {
		require.NoError(t, c.Submit(protocol.Converted(i, "")))
	}

	assert.Equal(t, 2, content.flushes)
	assert.Equal(t, 6, content.flushed)
	assert.Equal(t, 6, status.flushed)

	require.NoError(t, c.Flush())
	assert.Equal(t, 7, content.flushed)
}

func TestAutoflushDisabled(t *testing.T) {
	content := &memorySink{}
	c := New(content, &memorySink{}, 0)

	for i := uint64(0); i < 100; i++ {
		require.NoError(t, c.Submit(protocol.Converted(i, "")))
	}
	assert.Equal(t, 0, content.flushes)
}

func TestCloseWithGap(t *testing.T) {
	c := New(&memorySink{}, &memorySink{}, 0)

	require.NoError(t, c.Submit(protocol.Converted(0, "")))
	require.NoError(t, c.Submit(protocol.Converted(2, "")))

	assert.ErrorIs(t, c.Close(), ErrGap)
	assert.ErrorIs(t, c.Submit(protocol.Converted(1, "")), ErrClosed)
}

func TestFailedCount(t *testing.T) {
	c := New(&memorySink{}, &memorySink{}, 0)

	require.NoError(t, c.Submit(protocol.Converted(0, "")))
	require.NoError(t, c.Submit(protocol.Failed(1, protocol.StatusTimeout, "timeout")))
	assert.Equal(t, 1, c.Failed())
	assert.Equal(t, 2, c.Written())
}

func TestSinkErrorIsSticky(t *testing.T) {
	content := &memorySink{err: errors.New("disk full")}
	c := New(content, &memorySink{}, 0)

	assert.Error(t, c.Submit(protocol.Converted(0, "")))
	content.err = nil
	assert.Error(t, c.Submit(protocol.Converted(1, "")))
	assert.Error(t, c.Flush())
}

func TestContentSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewContentSink(&buf)

	require.NoError(t, sink.WriteResult(protocol.Converted(0, "<math>x</math>")))
	require.NoError(t, sink.WriteResult(protocol.Converted(1, "<math>\n\"y\"\n</math>")))
	require.NoError(t, sink.WriteResult(protocol.Failed(2, protocol.StatusFatal, "fatal")))
	require.NoError(t, sink.Flush())

	assert.Equal(t, "<math>x</math>\n\"<math>\n\"\"y\"\"\n</math>\"\n\"\"\n", buf.String())
}

func TestLineContentSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLineContentSink(&buf)

	require.NoError(t, sink.WriteResult(protocol.Converted(0, "a\nb\r\nc")))
	require.NoError(t, sink.WriteResult(protocol.Converted(1, "")))
	require.NoError(t, sink.Flush())

	assert.Equal(t, "a b c\n\n", buf.String())
}

func TestStatusSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewStatusSink(&buf)

	require.NoError(t, sink.WriteResult(protocol.Converted(0, "")))
	require.NoError(t, sink.WriteResult(protocol.Failed(1, protocol.StatusTimeout, "")))
	require.NoError(t, sink.WriteResult(protocol.Failed(2, protocol.StatusError, "")))
	require.NoError(t, sink.Flush())

	assert.Equal(t, "0\n4\n2\n", buf.String())
}

func TestNewFormatSink(t *testing.T) {
	_, err := NewFormatSink("xml", io.Discard)
	assert.Error(t, err)
}

func TestFileSinks(t *testing.T) {
	fs := afero.NewMemMapFs()

	content, status, err := OpenFileSinks(fs, FormatCSV, "/out/result.csv", "/out/logs/result.log")
	require.NoError(t, err)

	c := New(content, status, 2)
	require.NoError(t, c.Submit(protocol.Converted(1, "b")))
	require.NoError(t, c.Submit(protocol.Converted(0, "a")))

	// Autoflush made both records durable.
	data, err := afero.ReadFile(fs, "/out/result.csv")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(data))

	require.NoError(t, c.Submit(protocol.Failed(2, protocol.StatusError, "")))
	require.NoError(t, c.Close())

	data, err = afero.ReadFile(fs, "/out/logs/result.log")
	require.NoError(t, err)
	assert.Equal(t, "0\n0\n2\n", string(data))
}

func TestCompressedFileSinks(t *testing.T) {
	fs := afero.NewMemMapFs()

	content, status, err := OpenFileSinks(fs, FormatLines, "/out/result.txt.gz", "/out/result.log")
	require.NoError(t, err)

	c := New(content, status, 0)
	for i, text := range []string{"x", "y", "z"} {
		require.NoError(t, c.Submit(protocol.Converted(uint64(i), text)))
	}
	require.NoError(t, c.Close())

	file, err := fs.Open("/out/result.txt.gz")
	require.NoError(t, err)
	defer file.Close()

	reader, err := gzip.NewReader(file)
	require.NoError(t, err)
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "x\ny\nz\n", string(data))

	data, err = afero.ReadFile(fs, "/out/result.log")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}
