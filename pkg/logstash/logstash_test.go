package logstash

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

// A worker log line padded to 1000 bytes.
func longLine(prefix string) string {
	return prefix + strings.Repeat(" ", 1000-len(prefix))
}

type MockLogStashConfig struct {
	mock.Mock
}

func (c *MockLogStashConfig) MaxSize() int64 {
	a := c.Called()
	return int64(a.Int(0))
}

type LogStashTestSuite struct {
	suite.Suite
	config MockLogStashConfig
	fs     afero.Fs
	stash  LogStash
}

func (s *LogStashTestSuite) SetupTest() {
	s.config.On("MaxSize").Return(0x100000)
	s.fs = afero.NewMemMapFs()

	s.stash = NewLogStash(&s.config, s.fs)
}

func (s *LogStashTestSuite) writeLines(writer LogWriter, data string, count int) {
	for i := 0; i < count; i++ {
		assert.NoError(s.T(), writer.WriteLine(data))
	}
}

func (s *LogStashTestSuite) TestWriteRead() {
	writer, err := s.stash.Append("in.txt-1")
	assert.NoError(s.T(), err)
	s.writeLines(writer, longLine("Warning:expected:\\frac"), 1000)
	assert.NoError(s.T(), writer.Close())

	reader, err := s.stash.Read("in.txt-1")
	assert.NoError(s.T(), err)
	defer reader.Close()

	count := 0
	for {
		line, err := reader.ReadLine()
		if err == io.EOF {
			break
		}
		assert.Equal(s.T(), longLine("Warning:expected:\\frac"), line)

		count++
	}
	assert.Equal(s.T(), 1000, count)
}

func (s *LogStashTestSuite) TestAppendExisting() {
	assert.NoError(s.T(), Store(s.stash, "run-1", "Warning:expected:x first"))
	assert.NoError(s.T(), Store(s.stash, "run-1", "Error:undefined:\\foo second"))

	lines, err := ReadAll(s.stash, "run-1")
	assert.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"Warning:expected:x first", "Error:undefined:\\foo second"}, lines)
}

func (s *LogStashTestSuite) TestEvict() {
	writer, err := s.stash.Append("in.txt-1")
	assert.NoError(s.T(), err)
	s.writeLines(writer, longLine("Warning:expected:\\frac"), 1000)
	assert.NoError(s.T(), writer.Close())

	writer, err = s.stash.Append("in.txt-2")
	assert.NoError(s.T(), err)
	s.writeLines(writer, longLine("Error:undefined:\\foo"), 1000)
	assert.NoError(s.T(), writer.Close())

	_, err = s.stash.Read("in.txt-1")
	assert.Error(s.T(), err)

	reader, err := s.stash.Read("in.txt-2")
	assert.NoError(s.T(), err)
	reader.Close()
}

func (s *LogStashTestSuite) TestReindex() {
	assert.NoError(s.T(), Store(s.stash, "in.txt-1", longLine("Warning:expected:\\frac")))
	assert.NoError(s.T(), Store(s.stash, "in.txt-2", longLine("Error:undefined:\\foo")))

	stash := NewLogStash(&s.config, s.fs)

	// Logs on disk are indexed again.
	reader, err := stash.Read("in.txt-1")
	assert.NoError(s.T(), err)
	reader.Close()

	reader, err = stash.Read("in.txt-2")
	assert.NoError(s.T(), err)
	reader.Close()
}

func (s *LogStashTestSuite) TestInvalidId() {
	for _, id := range []string{"", "../etc/passwd", "a/b", ".hidden"} {
		_, err := s.stash.Append(id)
		assert.Error(s.T(), err, id)

		_, err = s.stash.Read(id)
		assert.Error(s.T(), err, id)
	}
}

func (s *LogStashTestSuite) TestHttp() {
	assert.NoError(s.T(), Store(s.stash, "result.csv-3",
		"Info:note:x processing",
		"Warning:expected:y careful",
		"Error:undefined:\\foo broken"))

	r := echo.New()
	NewHttpHandler(s.stash, r)

	get := func(url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		return rec
	}

	rec := get("/logs/result.csv-3")
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	assert.Equal(s.T(), 3, strings.Count(rec.Body.String(), "\n"))

	rec = get("/logs/result.csv-3?severity=error")
	assert.Equal(s.T(), http.StatusOK, rec.Code)
	assert.Equal(s.T(), "Error:undefined:\\foo broken\n", rec.Body.String())

	rec = get("/logs/missing")
	assert.Equal(s.T(), http.StatusNotFound, rec.Code)
}

func TestLogStash(t *testing.T) {
	suite.Run(t, &LogStashTestSuite{})
}

func TestSeverityFilter(t *testing.T) {
	filter := SeverityFilter("warning")
	assert.True(t, filter("Warning:expected:x"))
	assert.True(t, filter("  Fatal:too_many_errors"))
	assert.False(t, filter("Info:note"))

	assert.True(t, SeverityFilter("")("anything"))
}
