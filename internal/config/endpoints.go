package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrEmptyEndpoints = errors.New("config: endpoints file lists no endpoints")

type EndpointsFile struct {
	Endpoints []string `json:"endpoints"`
}

// ReadEndpoints parses a JSON endpoints file of the form
// {"endpoints": ["wss://..."]}. Blank entries are dropped.
func ReadEndpoints(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f EndpointsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	urls := make([]string, 0, len(f.Endpoints))
	for _, e := range f.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			urls = append(urls, e)
		}
	}
	if len(urls) == 0 {
		return nil, ErrEmptyEndpoints
	}
	for _, u := range urls {
		if err := validateEndpoint(u); err != nil {
			return nil, err
		}
	}

	return urls, nil
}
