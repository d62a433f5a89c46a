package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

var (
	// The peer sent a message larger than the configured limit.
	ErrMessageTooLarge = errors.New("message too large")

	// The peer sent a message that could not be decoded.
	ErrMalformed = errors.New("malformed message")

	// No codec is registered under the requested name.
	ErrUnknownCodec = errors.New("unknown protocol")
)

type RequestKind string

const (
	// Session initializer carrying preload directives.
	RequestInit RequestKind = "init"
	// Conversion of a single task payload.
	RequestConvert RequestKind = "convert"
)

// Source sent by session initializers. Converting a trivial document
// makes the worker load its preamble before the first real task arrives.
const InitSource = "1"

type Request struct {
	Kind     RequestKind `json:"kind"`
	CacheKey string      `json:"cache_key"`
	Payload  string      `json:"source"`
	Preload  []string    `json:"preload,omitempty"`
	Options  []Directive `json:"options,omitempty"`
}

type Response struct {
	StatusCode Status `json:"status_code"`
	Status     string `json:"status"`
	Result     string `json:"result"`
	Log        string `json:"log"`
}

// Framing of requests and responses on a worker connection.
// Client and server halves live together so that mock workers
// speak exactly what the runner expects.
type Codec interface {
	// Protocol name, as used in configuration.
	Name() string

	// False if the worker closes the connection after every response.
	KeepAlive() bool

	WriteRequest(w io.Writer, req *Request) error
	ReadResponse(r *bufio.Reader) (*Response, error)

	ReadRequest(r *bufio.Reader) (*Request, error)
	WriteResponse(w io.Writer, resp *Response) error
}

const (
	ProtocolLatexmls = "latexmls"
	ProtocolLine     = "line"
	ProtocolFrame    = "frame"
)

// Returns the names of all supported protocols.
func Protocols() []string {
	return []string{ProtocolLatexmls, ProtocolLine, ProtocolFrame}
}

// Creates the codec registered under name.
// Messages larger than maxMessageSize bytes are rejected.
func NewCodec(name string, maxMessageSize int64) (Codec, error) {
	switch name {
	case "", ProtocolLatexmls:
		return &latexmlsCodec{maxSize: maxMessageSize}, nil
	case ProtocolLine:
		return &lineCodec{maxSize: maxMessageSize}, nil
	case ProtocolFrame:
		return &frameCodec{maxSize: maxMessageSize}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
}

// Encodes a request as an urlencoded form body, the way latexmls expects it.
// Conversion options are only sent with the initializer when withOptions is
// false, the worker then binds them to the cache key.
func encodeForm(req *Request, withOptions bool) string {
	var b strings.Builder

	source := req.Payload
	if req.Kind == RequestInit {
		source = InitSource
	}

	b.WriteString("cache_key=")
	b.WriteString(url.QueryEscape(req.CacheKey))
	b.WriteString("&source=literal:")
	b.WriteString(url.QueryEscape(source))

	if req.Kind == RequestInit || withOptions {
		for _, opt := range req.Options {
			b.WriteByte('&')
			b.WriteString(url.QueryEscape(opt.Key))
			if opt.Value != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(opt.Value))
			}
		}
	}
	if req.Kind == RequestInit {
		for _, name := range req.Preload {
			b.WriteString("&preload=")
			b.WriteString(url.QueryEscape(name))
		}
	}

	return b.String()
}

// Decodes a form body produced by encodeForm.
// Option order is preserved, preload directives are split out.
func decodeForm(body string, kind RequestKind) (*Request, error) {
	req := &Request{Kind: kind}

	for _, field := range strings.Split(body, "&") {
		if field == "" {
			continue
		}

		rawKey, rawValue, _ := strings.Cut(field, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch key {
		case "cache_key":
			req.CacheKey = value
		case "source":
			req.Payload = strings.TrimPrefix(value, "literal:")
		case "preload":
			req.Preload = append(req.Preload, value)
		default:
			req.Options = append(req.Options, Directive{Key: key, Value: value})
		}
	}

	return req, nil
}

// Reads up to and including the next newline.
// The newline is stripped from the returned line.
func readLine(r *bufio.Reader, maxSize int64) (string, error) {
	var line []byte

	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)

		if maxSize > 0 && int64(len(line)) > maxSize+1 {
			return "", ErrMessageTooLarge
		}

		switch {
		case err == nil:
			return strings.TrimSuffix(strings.TrimSuffix(string(line), "\n"), "\r"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return "", io.ErrUnexpectedEOF
		default:
			return "", err
		}
	}
}

// Reads exactly n bytes, refusing sizes above maxSize.
func readFull(r io.Reader, n, maxSize int64) ([]byte, error) {
	if n < 0 || (maxSize > 0 && n > maxSize) {
		return nil, ErrMessageTooLarge
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
