// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

// Command openapi-gen writes the gateway's OpenAPI document.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bernard-dev/bernard/internal/server"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

func main() {
	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := run(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

func run(outPath string) error {
	spec, err := generateSpec()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "creating output dir")
	}
	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		return bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "writing spec")
	}
	return nil
}

// generateSpec builds a server without dependencies; routes register their
// schemas at construction, so no handler runs.
func generateSpec() ([]byte, error) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, server.Deps{})
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "creating server")
	}
	defer func() { _ = srv.Close() }()

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}
