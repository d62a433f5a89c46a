package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHttpUrl(t *testing.T) {
	addr, err := ParseHttpUrl("tcp://127.0.0.1:9090")
	assert.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", addr)

	addr, err = ParseHttpUrl("tcp://localhost")
	assert.NoError(t, err)
	assert.Equal(t, "localhost:8080", addr)

	addr, err = ParseHttpUrl("tcp://:8081")
	assert.NoError(t, err)
	assert.Equal(t, ":8081", addr)

	_, err = ParseHttpUrl("unix:///tmp/runner.sock")
	assert.Error(t, err)
}
