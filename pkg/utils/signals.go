package utils

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
)

func init() {
	ch := make(chan os.Signal, 10)
	signal.Notify(ch, syscall.SIGUSR1)

	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGUSR1:
				buf := make([]byte, 1<<16)
				len := runtime.Stack(buf, true)
				fmt.Fprintf(os.Stderr, "%s\n", buf[:len])
			}
		}
	}()
}

// Returns a context that is cancelled on SIGINT or SIGTERM.
// A second signal restores the default behavior and terminates the process.
func CancelOnSignal(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-ch:
			cancel()
			signal.Stop(ch)
		case <-ctx.Done():
			signal.Stop(ch)
		}
	}()

	return ctx, cancel
}
