// Package main provides the entry point for the fastsearch CLI.
package main

import (
	"os"

	"github.com/vpstools/fastsearch/cmd/fastsearch/cmd"
	fserr "github.com/vpstools/fastsearch/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// Usage mistakes exit 2, runtime failures exit 1.
		if fserr.IsKind(err, fserr.KindInvalidArgument) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
