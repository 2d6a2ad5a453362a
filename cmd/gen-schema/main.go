// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Command gen-schema writes the JSON Schema of every inbound event payload
// to the schemas directory.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/roomcast/roomcast/internal/router"
)

func main() {
	dir := "schemas"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	written, err := generate(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating schemas: %v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Printf("Generated %s\n", path)
	}
}

// generate writes one schema file per inbound event into dir and returns the
// paths in event order.
func generate(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	payloads := router.Payloads()
	events := make([]string, 0, len(payloads))
	for event := range payloads {
		events = append(events, event)
	}
	sort.Strings(events)

	written := make([]string, 0, len(events))
	for _, event := range events {
		schema, err := router.GenerateSchema(payloads[event])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", event, err)
		}
		path := filepath.Join(dir, router.SchemaFileName(event))
		if err := os.WriteFile(path, schema, 0o600); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
