package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/runner"
	"github.com/dginev/latexml-runner/pkg/utils"
)

// Process exit codes.
const (
	exitOK     = 0
	exitFatal  = 1
	exitFailed = 2
)

var config *runner.Config

var rootCmd = &cobra.Command{
	Use:   "latexml-runner",
	Short: "Batch conversion of LaTeX snippets with a pool of LaTeXML workers",
	Long: `Converts every record of an input file, or of every *.csv and *.txt file
in an input directory, with a pool of latexmls workers. Results and status
codes are written in input order, one record per input record.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("latexml_runner")
		viper.AutomaticEnv()

		viper.SetConfigName("runner.yaml")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/latexml-runner/")
		viper.AddConfigPath("$HOME/.config/latexml-runner")
		viper.AddConfigPath(".")

		viper.ReadInConfig()

		config = &runner.Config{}
		if err := utils.UnmarshalConfig(viper.GetViper(), config); err != nil {
			log.Fatal(err)
		}

		options, err := mathOptions(cmd)
		if err != nil {
			log.Fatal(err)
		}
		config.Options = append(config.Options, options...)

		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}
		log.SetVerbosity(verbosity)

		config.SetDefaults()
		config.Log()
	},
	Run: func(cmd *cobra.Command, args []string) {
		if config.Input == "" || config.Output == "" {
			cmd.Usage()
			log.Error("both an input and an output are required")
			os.Exit(exitFatal)
		}

		progress, err := cmd.Flags().GetBool("progress")
		if err != nil {
			panic(err)
		}

		os.Exit(convert(progress))
	},
}

func convert(progress bool) int {
	ctx, cancel := utils.CancelOnSignal(context.Background())
	defer cancel()

	r, err := runner.New(config, afero.NewOsFs())
	if err != nil {
		log.Error(err)
		return exitFatal
	}
	defer r.Close()

	go func() {
		if err := r.Serve(ctx); err != nil {
			log.Error("http:", err)
		}
	}()

	if err := r.Start(ctx); err != nil {
		log.Error("no worker available:", err)
		return exitFatal
	}

	var bar *progressObserver
	if progress {
		bar = newProgressObserver(os.Stderr)
		r.AddObserver(bar)
	}

	report, err := r.Convert(ctx)
	if bar != nil {
		bar.Finish()
	}
	if report != nil {
		printSummary(os.Stdout, report, r.Pool().Statistics())
	}

	switch {
	case errors.Is(err, context.Canceled):
		log.Warn("interrupted, partial results were kept")
		return exitFatal
	case err != nil:
		log.Error(err)
		return exitFatal
	case report.Err() != nil:
		log.Warn(report.Err())
		return exitFailed
	}
	return exitOK
}

func init() {
	flags := rootCmd.Flags()
	persistent := rootCmd.PersistentFlags()

	flags.StringP("input", "i", "", "Input file with one formula per line or CSV record, or a directory of such files")
	flags.StringP("output", "o", "", "Output file with one result per input record, or a directory for such files")
	flags.StringP("status", "l", runner.DefaultStatusPath, "Status file with one conversion status per input record")
	flags.String("output-format", "csv", "Output file format: csv or lines")
	flags.Int("autoflush", 0, "Flush outputs after every n results, 0 flushes at the end only")
	flags.Bool("progress", true, "Show a progress bar")

	persistent.StringSliceP("endpoint", "e", nil, "Worker endpoint host:port, repeatable. Overrides --from-port and --workers")
	persistent.String("address", runner.DefaultAddress, "Worker address")
	persistent.IntP("from-port", "p", runner.DefaultFromPort, "Port of the first worker")
	persistent.IntP("workers", "w", 0, "Number of workers on consecutive ports (default: number of CPUs)")
	persistent.String("protocol", "latexmls", "Worker protocol: latexmls, line or frame")
	persistent.Duration("timeout", runner.DefaultTimeout, "Time limit of a single conversion")
	persistent.Duration("connect-timeout", runner.DefaultConnectTimeout, "Time limit for connecting to a worker")
	persistent.Int("max-attempts", 3, "Conversion attempts per formula on timeouts and connection failures")
	persistent.Int("retire-after", 5, "Consecutive failures after which a worker is given up")
	persistent.StringSlice("preload", nil, "Module loaded once per worker session, repeatable")
	persistent.StringSliceP("option", "O", nil, "LaTeXML option key=value or flag, repeatable")
	persistent.String("cache-key", "", "Worker cache key (default: derived from machine and process)")
	persistent.String("max-message-size", runner.DefaultMaxMessageSize, "Largest accepted worker response")
	persistent.Float64("rate-limit", 0, "Maximum conversions per second, 0 is unlimited")
	persistent.String("launch", "", "Command starting a worker, with {port} and {address} placeholders")
	persistent.StringSlice("listen-http", nil, "Addresses to serve metrics and logs on, e.g. tcp://:8080")
	persistent.CountP("verbose", "v", "Verbosity (repeatable)")

	addMathFlags(persistent)

	for key, flag := range map[string]string{
		"input":         "input",
		"output":        "output",
		"status":        "status",
		"output_format": "output-format",
		"autoflush":     "autoflush",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	for key, flag := range map[string]string{
		"endpoints":        "endpoint",
		"address":          "address",
		"from_port":        "from-port",
		"workers":          "workers",
		"protocol":         "protocol",
		"timeout":          "timeout",
		"connect_timeout":  "connect-timeout",
		"max_attempts":     "max-attempts",
		"retire_after":     "retire-after",
		"preload":          "preload",
		"options":          "option",
		"cache_key":        "cache-key",
		"max_message_size": "max-message-size",
		"rate_limit":       "rate-limit",
		"launch":           "launch",
		"listen_http":      "listen-http",
	} {
		viper.BindPFlag(key, persistent.Lookup(flag))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFatal)
	}
}
