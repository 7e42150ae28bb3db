// Command wardend is the local runtime host: it exposes the websocket
// channel for UI clients, runs tasks one at a time behind the trust gate,
// and keeps the per-profile audit and rule stores.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run dispatches subcommands; no subcommand (or flags only) starts the
// server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(args[1:], stdout, stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "profile":
		return runProfileCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "wardend", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// version is stamped at build time.
var version = "dev"

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: wardend [command]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  server          Start the host (default)")
	_, _ = fmt.Fprintln(w, "  audit verify    Check audit log line hashes for a profile")
	_, _ = fmt.Fprintln(w, "  audit show      Print audit events for a profile")
	_, _ = fmt.Fprintln(w, "  profile init    Create a profile with default settings")
	_, _ = fmt.Fprintln(w, "  version         Print the version")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Environment:")
	_, _ = fmt.Fprintln(w, "  WARDEN_DATA_DIR   Data root (default ~/.warden)")
	_, _ = fmt.Fprintln(w, "  WARDEN_ADDR       Listen address (default 127.0.0.1:8787)")
	_, _ = fmt.Fprintln(w, "  WARDEN_LOG_LEVEL  debug|info|warn|error (default info)")
}
