package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Length prefixed JSON documents: a 4 byte big-endian length
// followed by the encoded request or response.
type frameCodec struct {
	maxSize int64
}

func (c *frameCodec) Name() string {
	return ProtocolFrame
}

func (c *frameCodec) KeepAlive() bool {
	return true
}

func (c *frameCodec) WriteRequest(w io.Writer, req *Request) error {
	msg := *req
	if msg.Kind == RequestInit {
		msg.Payload = InitSource
	}
	return c.writeFrame(w, &msg)
}

func (c *frameCodec) ReadResponse(r *bufio.Reader) (*Response, error) {
	resp := &Response{}
	if err := c.readFrame(r, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *frameCodec) ReadRequest(r *bufio.Reader) (*Request, error) {
	req := &Request{}
	if err := c.readFrame(r, req); err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = RequestConvert
	}
	return req, nil
}

func (c *frameCodec) WriteResponse(w io.Writer, resp *Response) error {
	return c.writeFrame(w, resp)
}

func (c *frameCodec) writeFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	_, err = w.Write(frame)
	return err
}

func (c *frameCodec) readFrame(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return err
	}

	data, err := readFull(r, int64(binary.BigEndian.Uint32(header)), c.maxSize)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
