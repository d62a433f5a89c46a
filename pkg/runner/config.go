package runner

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/spf13/afero"

	"github.com/dginev/latexml-runner/pkg/client"
	"github.com/dginev/latexml-runner/pkg/collector"
	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/pool"
	"github.com/dginev/latexml-runner/pkg/protocol"
	"github.com/dginev/latexml-runner/pkg/scheduler"
	"github.com/dginev/latexml-runner/pkg/utils"
)

const (
	DefaultAddress        = "127.0.0.1"
	DefaultFromPort       = 3334
	DefaultStatusPath     = "runner.log"
	DefaultTimeout        = 600 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultLaunchTimeout  = 60 * time.Second
	DefaultMaxMessageSize = "64MiB"
)

type Config struct {
	// Input file, or directory of input files.
	Input string `mapstructure:"input"`
	// Output file, or directory when the input is a directory.
	Output string `mapstructure:"output"`
	// Status file, or directory when the input is a directory.
	Status string `mapstructure:"status"`
	// Content file format: "csv" or "lines".
	OutputFormat string `mapstructure:"output_format"`

	// Explicit worker endpoints, "host:port" or a bare port.
	// When empty, Workers endpoints starting at Address:FromPort are used.
	Endpoints []string `mapstructure:"endpoints"`
	Address   string   `mapstructure:"address"`
	FromPort  int      `mapstructure:"from_port"`
	Workers   int      `mapstructure:"workers"`

	// Wire protocol spoken by the workers.
	Protocol string `mapstructure:"protocol"`

	// Deadline of a single conversion attempt.
	Timeout time.Duration `mapstructure:"timeout"`
	// Deadline for establishing a worker connection.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// Deadline of the session initializer. Defaults to Timeout.
	InitTimeout time.Duration `mapstructure:"init_timeout"`

	// Number of written results between forced flushes, 0 flushes at the end only.
	Autoflush int `mapstructure:"autoflush"`

	// Dispatch attempts per task, including the first one.
	MaxAttempts int `mapstructure:"max_attempts"`
	// Consecutive failures after which a worker is given up.
	RetireAfter       int           `mapstructure:"retire_after"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`

	// Modules loaded once per worker session, e.g. "amsmath.sty".
	Preload []string `mapstructure:"preload"`
	// Conversion options, "key=value" or "flag".
	Options []string `mapstructure:"options"`
	// Key binding worker side state to this run.
	CacheKey string `mapstructure:"cache_key"`

	// Largest accepted worker response.
	// Supported suffixes: K, M, G, Ki, Mi, Gi, ...
	MaxMessageSize_ string `mapstructure:"max_message_size"`

	// Maximum dispatches per second, 0 is unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// Addresses to serve metrics and logs on, e.g. tcp://:8080.
	ListenHttp []string `mapstructure:"listen_http"`

	// Worker log stash. Disabled when not configured.
	LogStash *LogStashConfig `mapstructure:"logstash"`

	// Command line starting a worker, with {port} and {address} placeholders.
	// Workers are expected to be running already when empty.
	Launch        string        `mapstructure:"launch"`
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
}

func (c *Config) SetDefaults() {
	if c.Status == "" {
		c.Status = DefaultStatusPath
	}
	if c.OutputFormat == "" {
		c.OutputFormat = collector.FormatCSV
	}
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.FromPort == 0 {
		c.FromPort = DefaultFromPort
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Protocol == "" {
		c.Protocol = protocol.ProtocolLatexmls
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = c.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = scheduler.DefaultMaxAttempts
	}
	if c.RetireAfter <= 0 {
		c.RetireAfter = pool.DefaultRetireAfter
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = pool.DefaultReconnectDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = pool.DefaultReconnectMaxDelay
	}
	if c.MaxMessageSize_ == "" {
		c.MaxMessageSize_ = DefaultMaxMessageSize
	}
	if c.CacheKey == "" {
		c.CacheKey = defaultCacheKey()
	}
	if c.LaunchTimeout == 0 {
		c.LaunchTimeout = DefaultLaunchTimeout
	}
	if c.LogStash != nil {
		c.LogStash.SetDefaults()
	}
}

// Worker side caches are keyed per machine and process,
// so that concurrent runs never share session state.
func defaultCacheKey() string {
	id, err := machineid.ProtectedID("latexml-runner")
	if err != nil {
		log.Debug("machine id unavailable:", err)
		id = "localhost"
	}
	if len(id) > 16 {
		id = id[:16]
	}
	return fmt.Sprintf("latexml_runner:%s:%d", id, os.Getpid())
}

func (c *Config) MaxMessageSize() int64 {
	size, _ := utils.ParseSize(c.MaxMessageSize_)
	return size
}

func (c *Config) Validate() error {
	if _, err := utils.ParseSize(c.MaxMessageSize_); err != nil {
		return fmt.Errorf("%w: max_message_size: %v", utils.ErrInvalid, err)
	}
	if _, err := protocol.NewCodec(c.Protocol, 0); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrInvalid, err)
	}
	if !slices.Contains(collector.Formats(), c.OutputFormat) {
		return fmt.Errorf("%w: unknown output format %q", utils.ErrInvalid, c.OutputFormat)
	}
	if _, err := protocol.ParseDirectives(c.Options); err != nil {
		return fmt.Errorf("%w: options: %v", utils.ErrInvalid, err)
	}
	if _, err := c.WorkerEndpoints(); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrInvalid, err)
	}
	if c.Timeout < 0 || c.ConnectTimeout < 0 || c.InitTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", utils.ErrInvalid)
	}
	if c.Autoflush < 0 {
		return fmt.Errorf("%w: negative autoflush interval", utils.ErrInvalid)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: negative rate limit", utils.ErrInvalid)
	}
	for _, uri := range c.ListenHttp {
		if _, err := utils.ParseHttpUrl(uri); err != nil {
			return fmt.Errorf("%w: listen_http: %v", utils.ErrInvalid, err)
		}
	}
	if c.LogStash != nil {
		if err := c.LogStash.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Returns the configured worker endpoints.
func (c *Config) WorkerEndpoints() ([]pool.Endpoint, error) {
	if len(c.Endpoints) > 0 {
		return pool.ParseEndpoints(c.Endpoints)
	}
	if c.Workers <= 0 {
		return nil, fmt.Errorf("no workers configured")
	}
	if c.FromPort <= 0 || c.FromPort+c.Workers-1 > 65535 {
		return nil, fmt.Errorf("port range %d+%d out of bounds", c.FromPort, c.Workers)
	}
	return pool.EndpointRange(c.Address, c.FromPort, c.Workers), nil
}

func (c *Config) clientConfig() (client.Config, error) {
	options, err := protocol.ParseDirectives(c.Options)
	if err != nil {
		return client.Config{}, err
	}

	return client.Config{
		ConnectTimeout: c.ConnectTimeout,
		InitTimeout:    c.InitTimeout,
		CacheKey:       c.CacheKey,
		Options:        options,
	}, nil
}

func (c *Config) poolConfig() pool.Config {
	return pool.Config{
		Preload:           c.Preload,
		RetireAfter:       c.RetireAfter,
		ReconnectDelay:    c.ReconnectDelay,
		ReconnectMaxDelay: c.ReconnectMaxDelay,
	}
}

func (c *Config) dispatcherConfig() scheduler.Config {
	return scheduler.Config{
		MaxAttempts: c.MaxAttempts,
		Timeout:     c.Timeout,
		RateLimit:   c.RateLimit,
		Burst:       c.RateBurst,
	}
}

func (c *Config) Log() {
	log.Info("Runner configuration:")
	log.Infof("  input = %s", c.Input)
	log.Infof("  output = %s (%s)", c.Output, c.OutputFormat)
	log.Infof("  status = %s", c.Status)
	if len(c.Endpoints) > 0 {
		log.Infof("  endpoints = %v", c.Endpoints)
	} else {
		log.Infof("  workers = %d at %s:%d", c.Workers, c.Address, c.FromPort)
	}
	log.Infof("  protocol = %s", c.Protocol)
	log.Infof("  timeout = %s, connect = %s, init = %s", c.Timeout, c.ConnectTimeout, c.InitTimeout)
	log.Infof("  attempts = %d, retire after = %d", c.MaxAttempts, c.RetireAfter)
	log.Infof("  autoflush = %d", c.Autoflush)
	log.Infof("  preload = %v", c.Preload)
	log.Infof("  options = %v", c.Options)
	log.Debugf("  cache key = %s", c.CacheKey)
	if c.RateLimit > 0 {
		log.Infof("  rate limit = %.1f/s, burst %d", c.RateLimit, c.RateBurst)
	}
	if c.Launch != "" {
		log.Infof("  launch = %s", c.Launch)
	}
	if len(c.ListenHttp) > 0 {
		log.Infof("  HTTP listen addresses: %v", c.ListenHttp)
	}
	if c.LogStash != nil {
		c.LogStash.LogValues()
	}
}

type LogStashConfig struct {
	// Maximum size of the logstash.
	// When the size is exceeded, oldest entries will be removed.
	// Supported suffixes: K, M, G, Ki, Mi, Gi, ...
	MaxSize_ string `mapstructure:"size"`
	// Storage type: "memory" or "disk"
	StorageType string `mapstructure:"storage"`
	// Path to store logstash files (for disk storage)
	Path string `mapstructure:"path"`
}

func (c *LogStashConfig) MaxSize() int64 {
	size, _ := utils.ParseSize(c.MaxSize_)
	return size
}

func (c *LogStashConfig) CreateFs() (afero.Fs, error) {
	switch c.StorageType {
	case "disk":
		if c.Path == "" {
			return nil, fmt.Errorf("no path configured for logstash disk storage")
		}

		os := afero.NewOsFs()
		if err := os.MkdirAll(c.Path, 0777); err != nil {
			return nil, err
		}

		fs := afero.NewBasePathFs(os, c.Path)

		log.Info("Logstash stored in", c.Path)
		return fs, nil

	case "", "memory":
		log.Info("Logstash stored in memory")
		return afero.NewMemMapFs(), nil

	default:
		return nil, fmt.Errorf("invalid logstash storage type configured: %s", c.StorageType)
	}
}

func (c *LogStashConfig) SetDefaults() {
	if c.StorageType == "" {
		c.StorageType = "memory"
	}
}

func (c *LogStashConfig) Validate() error {
	if c.MaxSize_ != "" {
		if _, err := utils.ParseSize(c.MaxSize_); err != nil {
			return fmt.Errorf("%w: logstash size: %v", utils.ErrInvalid, err)
		}
	}
	switch c.StorageType {
	case "", "memory":
	case "disk":
		if c.Path == "" {
			return fmt.Errorf("%w: no path configured for logstash disk storage", utils.ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: invalid logstash storage type: %s", utils.ErrInvalid, c.StorageType)
	}
	return nil
}

func (c *LogStashConfig) LogValues() {
	log.Infof("  Logstash configuration:")
	log.Infof("    storage = %s", c.StorageType)
	log.Infof("    size = %d", c.MaxSize())
	if c.StorageType == "disk" {
		log.Infof("    path = %s", c.Path)
	}
}
