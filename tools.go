//go:build tools

package tools

// Development tools pinned in go.mod; run with `go run`.
import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "golang.org/x/vuln/cmd/govulncheck"
)
