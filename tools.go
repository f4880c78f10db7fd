//go:build tools

// Package main pins the dev-tool module versions referenced in go.mod so
// `go mod tidy` doesn't drop them. None of these are imported by any
// buildable package.
package main

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "github.com/vektra/mockery/v2"
	_ "golang.org/x/tools/cmd/goimports"
)
