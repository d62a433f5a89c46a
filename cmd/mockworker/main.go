package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/mockworker"
	"github.com/dginev/latexml-runner/pkg/protocol"
	"github.com/dginev/latexml-runner/pkg/utils"
)

var rootCmd = &cobra.Command{
	Use:   "mockworker",
	Short: "Mock conversion worker for local testing of latexml-runner",
	Long: `Answers conversion requests like a latexmls worker would, wrapping every
formula in a <math> element. Responses can be delayed and every nth
conversion can be made to fail.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			panic(err)
		}
		log.SetVerbosity(verbosity)

		name, _ := cmd.Flags().GetString("protocol")
		address, _ := cmd.Flags().GetString("address")
		port, _ := cmd.Flags().GetInt("port")
		delay, _ := cmd.Flags().GetDuration("delay")
		failEvery, _ := cmd.Flags().GetInt("fail-every")
		maxSize, _ := cmd.Flags().GetString("max-message-size")

		size, err := utils.ParseSize(maxSize)
		if err != nil {
			log.Fatal(err)
		}

		codec, err := protocol.NewCodec(name, size)
		if err != nil {
			log.Fatal(err)
		}

		handler := mockworker.Handler(mockworker.Echo)
		if failEvery > 0 {
			handler = mockworker.FailEvery(failEvery, handler)
		}
		if delay > 0 {
			handler = mockworker.Delay(delay, handler)
		}

		ctx, cancel := utils.CancelOnSignal(context.Background())
		defer cancel()

		worker := mockworker.New(codec, handler)
		listen := fmt.Sprintf("%s:%d", address, port)
		log.Infof("Serving %s on %s", codec.Name(), listen)

		if err := worker.ListenAndServe(ctx, listen); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.Flags().String("protocol", protocol.ProtocolLatexmls, "Protocol: latexmls, line or frame")
	rootCmd.Flags().String("address", "127.0.0.1", "Address to listen on")
	rootCmd.Flags().IntP("port", "p", 3334, "Port to listen on")
	rootCmd.Flags().Duration("delay", 0, "Delay of every response")
	rootCmd.Flags().Int("fail-every", 0, "Fail every nth conversion with a worker reported error")
	rootCmd.Flags().String("max-message-size", "64MiB", "Largest accepted request")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
