package protocol

import (
	"fmt"
	"strings"
)

// A conversion option or preload instruction sent to a worker.
// Directives without a value are flags, e.g. "pmml".
type Directive struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

// Parses "key=value" or a bare "flag".
// Leading dashes are accepted, so "--whatsin=math" is equivalent to "whatsin=math".
func ParseDirective(text string) (Directive, error) {
	text = strings.TrimLeft(strings.TrimSpace(text), "-")
	key, value, _ := strings.Cut(text, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return Directive{}, fmt.Errorf("invalid directive %q", text)
	}
	return Directive{Key: key, Value: value}, nil
}

func ParseDirectives(texts []string) ([]Directive, error) {
	directives := make([]Directive, 0, len(texts))
	for _, text := range texts {
		directive, err := ParseDirective(text)
		if err != nil {
			return nil, err
		}
		directives = append(directives, directive)
	}
	return directives, nil
}

func (d Directive) String() string {
	if d.Value == "" {
		return d.Key
	}
	return d.Key + "=" + d.Value
}
