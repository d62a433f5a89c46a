package runner

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/logstash"
	"github.com/dginev/latexml-runner/pkg/scheduler"
	"github.com/dginev/latexml-runner/pkg/utils"
)

// Returns the HTTP routes of the runner:
// /metrics, /logs/:id when the log stash is enabled, and /debug/pprof/*.
func (r *Runner) HttpHandler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(utils.HttpLogger)
	e.Add(echo.GET, "/debug/pprof/*", echo.WrapHandler(http.DefaultServeMux))

	scheduler.NewHttpHandler(r, r.pool, e)
	if r.stash != nil {
		logstash.NewHttpHandler(r.stash, e)
	}
	return e
}

// Serves the HTTP routes on every configured address until ctx is cancelled.
func (r *Runner) Serve(ctx context.Context) error {
	if len(r.config.ListenHttp) == 0 {
		return nil
	}

	handler := r.HttpHandler()
	g, gctx := errgroup.WithContext(ctx)

	for _, uri := range r.config.ListenHttp {
		host, err := utils.ParseHttpUrl(uri)
		if err != nil {
			return err
		}

		log.Info("Listening on http", host)

		server := &http.Server{Addr: host, Handler: handler}
		g.Go(func() error {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
