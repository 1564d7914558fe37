// Package main provides the middlewared daemon and its command line client.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	errspkg "github.com/truenas/middleware-sub000/internal/runtime/errors"
)

// Version is the daemon version reported by --version.
var Version = "26.04.0"

var rootCmd = &cobra.Command{
	Use:           "middlewared",
	Short:         "middlewared - API method dispatcher",
	Long:          `middlewared serves versioned, schema-validated API methods over WebSocket and REST, and calls them from the command line.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	return errspkg.ExitCode(errspkg.KindOf(err))
}

// reportError prints err and, for validation failures, one line per issue.
func reportError(w io.Writer, err error) {
	var typed *errspkg.Error
	if !errors.As(err, &typed) {
		fmt.Fprintln(w, "Error:", err)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", typed.Kind, typed.Message)
	for _, issue := range typed.Details {
		fmt.Fprintf(w, "  %s: %s\n", issue.Path, issue.Message)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd, callCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
