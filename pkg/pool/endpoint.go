package pool

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Network location of a worker. Fixed for the duration of a run.
type Endpoint struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// Parses "host:port". A bare port means localhost.
func ParseEndpoint(text string) (Endpoint, error) {
	text = strings.TrimSpace(text)
	if !strings.Contains(text, ":") {
		text = "127.0.0.1:" + text
	}

	host, port, err := net.SplitHostPort(text)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", text, err)
	}

	value, err := strconv.Atoi(port)
	if err != nil || value <= 0 || value > 65535 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: bad port", text)
	}

	if host == "" {
		host = "127.0.0.1"
	}

	return Endpoint{Address: host, Port: value}, nil
}

func ParseEndpoints(texts []string) ([]Endpoint, error) {
	endpoints := make([]Endpoint, 0, len(texts))
	for _, text := range texts {
		endpoint, err := ParseEndpoint(text)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}

// Returns count endpoints on consecutive ports, starting at fromPort.
func EndpointRange(address string, fromPort, count int) []Endpoint {
	endpoints := make([]Endpoint, 0, count)
	for i := 0; i < count; i++ {
		endpoints = append(endpoints, Endpoint{Address: address, Port: fromPort + i})
	}
	return endpoints
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}
