package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// HTTP/1.0 form posts answered with a JSON document, as spoken by
// the latexmls socket server. The server closes the connection after
// each response. Conversion options travel with the initializer only and
// are bound to the cache key on the worker side.
type latexmlsCodec struct {
	maxSize int64
}

func (c *latexmlsCodec) Name() string {
	return ProtocolLatexmls
}

func (c *latexmlsCodec) KeepAlive() bool {
	return false
}

func (c *latexmlsCodec) WriteRequest(w io.Writer, req *Request) error {
	body := encodeForm(req, false)
	_, err := fmt.Fprintf(w,
		"POST / HTTP/1.0\r\n"+
			"Host: localhost\r\n"+
			"User-Agent: latexml-runner\r\n"+
			"Content-Type: application/x-www-form-urlencoded\r\n"+
			"Content-Length: %d\r\n"+
			"\r\n%s",
		len(body), body)
	return err
}

func (c *latexmlsCodec) ReadResponse(r *bufio.Reader) (*Response, error) {
	httpResp, err := http.ReadResponse(r, nil)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %s", ErrMalformed, httpResp.Status)
	}

	body, err := c.readBody(httpResp.Body, httpResp.ContentLength)
	if err != nil {
		return nil, err
	}

	resp := &Response{}
	if err := json.Unmarshal(body, resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return resp, nil
}

func (c *latexmlsCodec) ReadRequest(r *bufio.Reader) (*Request, error) {
	httpReq, err := http.ReadRequest(r)
	if err != nil {
		return nil, err
	}
	defer httpReq.Body.Close()

	body, err := c.readBody(httpReq.Body, httpReq.ContentLength)
	if err != nil {
		return nil, err
	}

	// latexmls does not distinguish initializers from conversions.
	return decodeForm(string(body), RequestConvert)
}

func (c *latexmlsCodec) WriteResponse(w io.Writer, resp *Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	var b bytes.Buffer
	b.WriteString("HTTP/1.0 200 OK\r\n")
	b.WriteString("Content-Type: application/json\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString("\r\n")
	b.Write(body)

	_, err = w.Write(b.Bytes())
	return err
}

func (c *latexmlsCodec) readBody(body io.Reader, length int64) ([]byte, error) {
	if length >= 0 {
		return readFull(body, length, c.maxSize)
	}

	// Without a content length the body extends to the end of the stream.
	limit := c.maxSize
	if limit <= 0 {
		return io.ReadAll(body)
	}
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}
