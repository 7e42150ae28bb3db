package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/wardenhost/warden/pkg/audit"
)

// runAuditCmd implements `wardend audit <verify|show>`.
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: wardend audit <verify|show> [-data DIR] [-profile ID]")
		return 2
	}
	sub := args[0]

	fs := flag.NewFlagSet("audit "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", envOr("WARDEN_DATA_DIR", defaultDataDir()), "data root directory")
	profileID := fs.String("profile", "default", "profile id")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	logsDir := filepath.Join(*dataDir, "profiles", *profileID, "logs")
	log, err := audit.Open(logsDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open audit log: %v\n", err)
		return 1
	}

	switch sub {
	case "verify":
		return verifyAudit(log, stdout, stderr)
	case "show":
		return showAudit(log, stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown audit command: %s\n", sub)
		return 2
	}
}

func verifyAudit(log *audit.Log, stdout, stderr io.Writer) int {
	bad, err := log.Verify()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify audit log: %v\n", err)
		return 1
	}
	if len(bad) == 0 {
		_, _ = fmt.Fprintln(stdout, "audit log OK")
		return 0
	}
	for _, line := range bad {
		_, _ = fmt.Fprintf(stdout, "line %d: hash mismatch\n", line+1)
	}
	return 1
}

func showAudit(log *audit.Log, stdout, stderr io.Writer) int {
	events, err := log.Read()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read audit log: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			_, _ = fmt.Fprintf(stderr, "encode event: %v\n", err)
			return 1
		}
	}
	return 0
}
