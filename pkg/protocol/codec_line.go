package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// One request and one response per line.
//
//	request:  INIT <form>\n | CONVERT <form>\n
//	response: <status>\t<result>\t<status message>\t<log>\n
//
// The form is the latexmls form body, response fields are urlencoded so
// that multi-line content stays on one line.
type lineCodec struct {
	maxSize int64
}

func (c *lineCodec) Name() string {
	return ProtocolLine
}

func (c *lineCodec) KeepAlive() bool {
	return true
}

func (c *lineCodec) WriteRequest(w io.Writer, req *Request) error {
	verb := "CONVERT"
	if req.Kind == RequestInit {
		verb = "INIT"
	}
	_, err := io.WriteString(w, verb+" "+encodeForm(req, true)+"\n")
	return err
}

func (c *lineCodec) ReadResponse(r *bufio.Reader) (*Response, error) {
	line, err := readLine(r, c.maxSize)
	if err != nil {
		return nil, err
	}

	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: %d response fields", ErrMalformed, len(fields))
	}

	code, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%w: status %q", ErrMalformed, fields[0])
	}

	resp := &Response{StatusCode: Status(code)}
	for i, dst := range []*string{&resp.Result, &resp.Status, &resp.Log} {
		if i+1 >= len(fields) {
			break
		}
		if *dst, err = url.QueryUnescape(fields[i+1]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	return resp, nil
}

func (c *lineCodec) ReadRequest(r *bufio.Reader) (*Request, error) {
	line, err := readLine(r, c.maxSize)
	if err != nil {
		return nil, err
	}

	verb, form, _ := strings.Cut(line, " ")
	switch verb {
	case "INIT":
		return decodeForm(form, RequestInit)
	case "CONVERT":
		return decodeForm(form, RequestConvert)
	default:
		return nil, fmt.Errorf("%w: verb %q", ErrMalformed, verb)
	}
}

func (c *lineCodec) WriteResponse(w io.Writer, resp *Response) error {
	line := strings.Join([]string{
		strconv.Itoa(int(resp.StatusCode)),
		url.QueryEscape(resp.Result),
		url.QueryEscape(resp.Status),
		url.QueryEscape(resp.Log),
	}, "\t")
	_, err := io.WriteString(w, line+"\n")
	return err
}
