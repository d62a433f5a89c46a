package runner

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dginev/latexml-runner/pkg/logstash"
	"github.com/dginev/latexml-runner/pkg/mockworker"
	"github.com/dginev/latexml-runner/pkg/protocol"
	"github.com/dginev/latexml-runner/pkg/utils"
)

// Rejects payloads using an undefined macro, converts everything else.
func strictHandler(req *protocol.Request) *protocol.Response {
	if strings.Contains(req.Payload, `\foo`) {
		return &protocol.Response{
			StatusCode: protocol.StatusError,
			Status:     `Error:undefined:\foo`,
			Log:        "Conversion complete: 1 error\nError:undefined:\\foo The control sequence \\foo is undefined.",
		}
	}
	return mockworker.Echo(req)
}

func startWorkers(t *testing.T, name string, count int, handler mockworker.Handler) ([]*mockworker.Worker, []string) {
	codec, err := protocol.NewCodec(name, 0)
	require.NoError(t, err)

	var workers []*mockworker.Worker
	var endpoints []string
	for i := 0; i < count; i++ {
		worker := mockworker.New(codec, handler)
		require.NoError(t, worker.Listen("127.0.0.1:0"))
		t.Cleanup(func() { worker.Close() })

		workers = append(workers, worker)
		endpoints = append(endpoints, worker.Addr())
	}
	return workers, endpoints
}

func newTestConfig(name string, endpoints []string) *Config {
	config := &Config{
		Endpoints:      endpoints,
		Protocol:       name,
		Timeout:        2 * time.Second,
		ConnectTimeout: time.Second,
		ReconnectDelay: 10 * time.Millisecond,
		Autoflush:      2,
		CacheKey:       "runner_test",
		Preload:        []string{"article.cls", "amsmath.sty"},
		Options:        []string{"whatsin=math", "whatsout=math"},
	}
	config.SetDefaults()
	return config
}

func newStartedRunner(t *testing.T, config *Config, fs afero.Fs) *Runner {
	r, err := New(config, fs)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.Start(context.Background()))
	return r
}

func readRecords(t *testing.T, fs afero.Fs, path string) []string {
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)

	var fields []string
	for _, record := range records {
		require.Len(t, record, 1)
		fields = append(fields, record[0])
	}
	return fields
}

func readLines(t *testing.T, fs afero.Fs, path string) []string {
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestConvertFile(t *testing.T) {
	for _, name := range protocol.Protocols() {
		t.Run(name, func(t *testing.T) {
			_, endpoints := startWorkers(t, name, 3, mockworker.Echo)

			fs := afero.NewMemMapFs()
			var input strings.Builder
			var expected []string
			for i := 0; i < 50; i++ {
				payload := "x_{" + strings.Repeat("1", i+1) + "}"
				input.WriteString(payload + "\n")
				expected = append(expected, "<math>"+payload+"</math>")
			}
			require.NoError(t, afero.WriteFile(fs, "in/formulas.txt", []byte(input.String()), 0644))

			r := newStartedRunner(t, newTestConfig(name, endpoints), fs)

			report, err := r.ConvertFile(context.Background(), "in/formulas.txt", "out/result.csv", "out/status.log")
			require.NoError(t, err)
			assert.NoError(t, report.Err())
			assert.Equal(t, int64(50), report.Tasks)
			assert.Equal(t, int64(50), report.Succeeded)

			assert.Equal(t, expected, readRecords(t, fs, "out/result.csv"))
			assert.Equal(t, slices.Repeat([]string{"0"}, 50), readLines(t, fs, "out/status.log"))
		})
	}
}

func TestConvertFileCSV(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 2, mockworker.Echo)

	fs := afero.NewMemMapFs()
	input := "a\n\"\\frac{1}{2}\"\n\"\\begin{array}{c}\nx\n\\end{array}\"\n\"f(x,y)\"\n"
	require.NoError(t, afero.WriteFile(fs, "formulas.csv", []byte(input), 0644))

	r := newStartedRunner(t, newTestConfig(protocol.ProtocolLine, endpoints), fs)

	report, err := r.ConvertFile(context.Background(), "formulas.csv", "result.csv", "runner.log")
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.Tasks)

	assert.Equal(t, []string{
		"<math>a</math>",
		"<math>\\frac{1}{2}</math>",
		"<math>\\begin{array}{c}\nx\n\\end{array}</math>",
		"<math>f(x,y)</math>",
	}, readRecords(t, fs, "result.csv"))
	assert.Equal(t, []string{"0", "0", "0", "0"}, readLines(t, fs, "runner.log"))
}

func TestConvertFileWorkerFailures(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLatexmls, 2, strictHandler)

	fs := afero.NewMemMapFs()
	input := "a\n\\foo\nb\n\\foo{c}\n"
	require.NoError(t, afero.WriteFile(fs, "formulas.txt", []byte(input), 0644))

	config := newTestConfig(protocol.ProtocolLatexmls, endpoints)
	config.OutputFormat = "lines"
	config.LogStash = &LogStashConfig{}
	config.LogStash.SetDefaults()
	r := newStartedRunner(t, config, fs)

	report, err := r.ConvertFile(context.Background(), "formulas.txt", "result.txt", "status.log")
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.Tasks)
	assert.Equal(t, int64(2), report.Failed)
	assert.Equal(t, int64(0), report.Retried)
	assert.ErrorIs(t, report.Err(), ErrTasksFailed)

	assert.Equal(t, []string{"<math>a</math>", "", "<math>b</math>", ""}, readLines(t, fs, "result.txt"))
	assert.Equal(t, []string{"0", "2", "0", "2"}, readLines(t, fs, "status.log"))

	lines, err := logstash.ReadAll(r.Stash(), "formulas.txt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{
		`Error:undefined:\foo`,
		"Conversion complete: 1 error",
		`Error:undefined:\foo The control sequence \foo is undefined.`,
	}, lines)

	_, err = logstash.ReadAll(r.Stash(), "formulas.txt-0")
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestConvertFileRetriesDroppedConnections(t *testing.T) {
	var dropped atomic.Bool
	handler := func(req *protocol.Request) *protocol.Response {
		if req.Payload == "flaky" && dropped.CompareAndSwap(false, true) {
			return nil
		}
		return mockworker.Echo(req)
	}
	_, endpoints := startWorkers(t, protocol.ProtocolFrame, 1, handler)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.txt", []byte("a\nflaky\nb\n"), 0644))

	r := newStartedRunner(t, newTestConfig(protocol.ProtocolFrame, endpoints), fs)

	report, err := r.ConvertFile(context.Background(), "in.txt", "out.csv", "out.log")
	require.NoError(t, err)
	assert.NoError(t, report.Err())
	assert.Equal(t, int64(1), report.Retried)

	assert.Equal(t, []string{"<math>a</math>", "<math>flaky</math>", "<math>b</math>"}, readRecords(t, fs, "out.csv"))
	assert.Equal(t, []string{"0", "0", "0"}, readLines(t, fs, "out.log"))
}

func TestConvertFileTimesOutTwiceThenSucceeds(t *testing.T) {
	for _, name := range protocol.Protocols() {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			handler := func(req *protocol.Request) *protocol.Response {
				if req.Payload == "t3" && calls.Add(1) <= 2 {
					time.Sleep(200 * time.Millisecond)
				}
				return mockworker.Echo(req)
			}
			workers, endpoints := startWorkers(t, name, 1, handler)

			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "in.txt", []byte("t0\nt1\nt2\nt3\nt4\n"), 0644))

			config := newTestConfig(name, endpoints)
			config.Timeout = 50 * time.Millisecond
			config.MaxAttempts = 3
			r := newStartedRunner(t, config, fs)

			report, err := r.ConvertFile(context.Background(), "in.txt", "out.csv", "out.log")
			require.NoError(t, err)
			assert.NoError(t, report.Err())
			assert.Equal(t, int64(2), report.Retried)

			assert.Equal(t, []string{"0", "0", "0", "0", "0"}, readLines(t, fs, "out.log"))
			assert.Equal(t, []string{
				"<math>t0</math>", "<math>t1</math>", "<math>t2</math>", "<math>t3</math>", "<math>t4</math>",
			}, readRecords(t, fs, "out.csv"))

			// The same session reconnected twice and stayed in service.
			sessions := r.Pool().Statistics()
			assert.Equal(t, 0, sessions.Retired)
			assert.Equal(t, int64(2), sessions.Reconnects)
			sent := 0
			for _, payload := range workers[0].Payloads() {
				if payload == "t3" {
					sent++
				}
			}
			assert.Equal(t, 3, sent)
		})
	}
}

func TestConvertFileTimeoutBudget(t *testing.T) {
	handler := func(req *protocol.Request) *protocol.Response {
		if req.Payload == "slow" {
			time.Sleep(300 * time.Millisecond)
		}
		return mockworker.Echo(req)
	}
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 2, handler)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.txt", []byte("a\nslow\nb\n"), 0644))

	config := newTestConfig(protocol.ProtocolLine, endpoints)
	config.Timeout = 50 * time.Millisecond
	config.MaxAttempts = 2
	r := newStartedRunner(t, config, fs)

	report, err := r.ConvertFile(context.Background(), "in.txt", "out.csv", "out.log")
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Failed)
	assert.Equal(t, int64(1), report.Retried)

	assert.Equal(t, []string{"0", "4", "0"}, readLines(t, fs, "out.log"))
	assert.Equal(t, []string{"<math>a</math>", "", "<math>b</math>"}, readRecords(t, fs, "out.csv"))
}

func TestConvertFileCompressed(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 1, mockworker.Echo)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.txt", []byte("a\nb\n"), 0644))

	r := newStartedRunner(t, newTestConfig(protocol.ProtocolLine, endpoints), fs)

	_, err := r.ConvertFile(context.Background(), "in.txt", "out.csv.gz", "out.log.gz")
	require.NoError(t, err)

	// Compressed outputs convert back as inputs.
	report, err := r.ConvertFile(context.Background(), "out.log.gz", "again.txt", "again.log")
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Tasks)
	assert.Equal(t, []string{"<math>0</math>", "<math>0</math>"}, readRecords(t, fs, "again.txt"))
}

func TestConvertDir(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 2, strictHandler)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/a.csv", []byte("a1\na2\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "data/b.txt", []byte("b1\n\\foo\nb3\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "data/notes.md", []byte("ignored\n"), 0644))
	require.NoError(t, fs.MkdirAll("data/nested.csv", 0755))

	r := newStartedRunner(t, newTestConfig(protocol.ProtocolLine, endpoints), fs)

	report, err := r.ConvertDir(context.Background(), "data", "out", "logs")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, int64(5), report.Tasks)
	assert.Equal(t, int64(1), report.Failed)
	assert.ErrorIs(t, report.Err(), ErrTasksFailed)

	assert.Equal(t, []string{"<math>a1</math>", "<math>a2</math>"}, readRecords(t, fs, "out/result_a.csv"))
	assert.Equal(t, []string{"0", "0"}, readLines(t, fs, "logs/a.csv.log"))
	assert.Equal(t, []string{"<math>b1</math>", "", "<math>b3</math>"}, readRecords(t, fs, "out/result_b.txt"))
	assert.Equal(t, []string{"0", "2", "0"}, readLines(t, fs, "logs/b.txt.log"))

	exists, err := afero.Exists(fs, "out/result_notes.md")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestConvertConfiguredDirectory(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 1, mockworker.Echo)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "data/a.txt", []byte("x\n"), 0644))

	config := newTestConfig(protocol.ProtocolLine, endpoints)
	config.Input = "data"
	config.Output = "out"
	r := newStartedRunner(t, config, fs)

	report, err := r.Convert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Tasks)

	assert.Equal(t, []string{"0"}, readLines(t, fs, "out/a.txt.log"))
}

func TestConvertOne(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLatexmls, 1, strictHandler)

	r := newStartedRunner(t, newTestConfig(protocol.ProtocolLatexmls, endpoints), afero.NewMemMapFs())

	result, err := r.ConvertOne(context.Background(), "a\nb")
	require.NoError(t, err)
	assert.True(t, result.IsConverted())
	assert.Equal(t, "<math>a\nb</math>", result.Content)

	result, err = r.ConvertOne(context.Background(), `\foo`)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, result.Status)
	assert.Equal(t, `Error:undefined:\foo`, result.Message)
}

func TestConvertCancelled(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 1, mockworker.Delay(20*time.Millisecond, mockworker.Echo))

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.txt", []byte(strings.Repeat("x\n", 200)), 0644))

	r := newStartedRunner(t, newTestConfig(protocol.ProtocolLine, endpoints), fs)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	report, err := r.ConvertFile(ctx, "in.txt", "out.csv", "out.log")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, report)
	assert.Less(t, report.Tasks, int64(200))

	// Everything completed before cancellation is kept, in order.
	statuses := readLines(t, fs, "out.log")
	assert.Len(t, statuses, int(report.Tasks))
	for _, status := range statuses {
		assert.Equal(t, "0", status)
	}
}

func TestConvertNotStarted(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 1, mockworker.Echo)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.txt", []byte("x\n"), 0644))

	r, err := New(newTestConfig(protocol.ProtocolLine, endpoints), fs)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ConvertFile(context.Background(), "in.txt", "out.csv", "out.log")
	assert.ErrorIs(t, err, errNotStarted)
}

func TestStartWithoutWorkers(t *testing.T) {
	// Reserve a port, then free it so that nothing listens there.
	worker := mockworker.New(nil, nil)
	require.NoError(t, worker.Listen("127.0.0.1:0"))
	addr := worker.Addr()
	require.NoError(t, worker.Close())

	config := newTestConfig(protocol.ProtocolLine, []string{addr})
	config.RetireAfter = 2
	config.ConnectTimeout = 100 * time.Millisecond

	r, err := New(config, afero.NewMemMapFs())
	require.NoError(t, err)
	defer r.Close()

	err = r.Start(context.Background())
	assert.Error(t, err)
}

func TestMetrics(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 2, strictHandler)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "in.txt", []byte("a\n\\foo\nb\n"), 0644))

	config := newTestConfig(protocol.ProtocolLine, endpoints)
	config.LogStash = &LogStashConfig{StorageType: "memory"}
	r := newStartedRunner(t, config, fs)

	_, err := r.ConvertFile(context.Background(), "in.txt", "out.csv", "out.log")
	require.NoError(t, err)

	stats := r.Statistics()
	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.InFlight)

	server := httptest.NewServer(r.HttpHandler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Contains(t, string(body), "latexml_runner_tasks_passed_total 2\n")
	assert.Contains(t, string(body), "latexml_runner_tasks_failed_total 1\n")
	assert.Contains(t, string(body), "latexml_runner_sessions{state=\"idle\"} 2\n")

	resp, err = http.Get(server.URL + "/logs/in.txt-1?severity=error")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Error:undefined:\\foo\nError:undefined:\\foo The control sequence \\foo is undefined.\n", string(body))
}

func TestServe(t *testing.T) {
	_, endpoints := startWorkers(t, protocol.ProtocolLine, 1, mockworker.Echo)

	config := newTestConfig(protocol.ProtocolLine, endpoints)
	config.ListenHttp = []string{"tcp://127.0.0.1:0"}
	r := newStartedRunner(t, config, afero.NewMemMapFs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestReport(t *testing.T) {
	report := &Report{}
	assert.NoError(t, report.Err())
	assert.Zero(t, report.Rate())

	report.Merge(&Report{Files: 1, Tasks: 10, Succeeded: 10, Elapsed: time.Second})
	report.Merge(&Report{Files: 1, Tasks: 10, Succeeded: 8, Failed: 2, Retried: 3, Elapsed: time.Second})

	assert.Equal(t, 2, report.Files)
	assert.Equal(t, int64(20), report.Tasks)
	assert.Equal(t, int64(2), report.Failed)
	assert.Equal(t, int64(3), report.Retried)
	assert.Equal(t, 10.0, report.Rate())
	assert.True(t, errors.Is(report.Err(), ErrTasksFailed))
}
