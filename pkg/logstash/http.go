package logstash

import (
	"bufio"
	"errors"
	"io"
	"net/http"

	echo "github.com/labstack/echo/v4"

	"github.com/dginev/latexml-runner/pkg/utils"
)

// Serves stored logs at /logs/:id.
// The optional severity query parameter filters LaTeXML messages.
func NewHttpHandler(stash LogStash, r *echo.Echo) http.Handler {
	r.GET("/logs/:id", func(c echo.Context) error {
		reader, err := stash.Read(c.Param("id"))
		switch {
		case errors.Is(err, utils.ErrInvalid):
			return c.String(http.StatusBadRequest, err.Error())
		case err != nil:
			return c.String(http.StatusNotFound, err.Error())
		}

		filtered := NewFilteredLogReader(reader)
		defer filtered.Close()

		if severity := c.QueryParam("severity"); severity != "" {
			filtered.AddFilter(SeverityFilter(severity))
		}

		c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextPlain)
		c.Response().WriteHeader(http.StatusOK)
		writer := bufio.NewWriter(c.Response())
		defer writer.Flush()

		for {
			line, err := filtered.ReadLine()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}

			if _, err := writer.WriteString(line + "\n"); err != nil {
				return err
			}
		}
	})

	return r
}
