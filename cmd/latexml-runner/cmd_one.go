package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/runner"
	"github.com/dginev/latexml-runner/pkg/utils"
)

var oneCmd = &cobra.Command{
	Use:   "one <tex>...",
	Short: "Convert the given formulas and print the results",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(convertOne(args))
	},
}

func convertOne(payloads []string) int {
	ctx, cancel := utils.CancelOnSignal(context.Background())
	defer cancel()

	r, err := runner.New(config, afero.NewOsFs())
	if err != nil {
		log.Error(err)
		return exitFatal
	}
	defer r.Close()

	if err := r.Start(ctx); err != nil {
		log.Error("no worker available:", err)
		return exitFatal
	}

	code := exitOK
	for _, payload := range payloads {
		result, err := r.ConvertOne(ctx, payload)
		if err != nil {
			log.Error(err)
			return exitFatal
		}

		if result.Status.IsFailure() {
			red.Fprintf(os.Stderr, "%d %s: %s\n", result.Status, result.Status, result.Message)
			if result.Log != "" {
				fmt.Fprintln(os.Stderr, strings.TrimRight(result.Log, "\n"))
			}
			code = exitFailed
		}
		if result.Content != "" {
			fmt.Println(result.Content)
		}
	}
	return code
}

func init() {
	rootCmd.AddCommand(oneCmd)
}
