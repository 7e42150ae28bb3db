package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/wardenhost/warden/pkg/profile"
	"github.com/wardenhost/warden/pkg/trust"
)

// runProfileCmd implements `wardend profile init`.
func runProfileCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "init" {
		_, _ = fmt.Fprintln(stderr, "Usage: wardend profile init [-data DIR] [-id ID] [-name NAME] [-level N]")
		return 2
	}

	fs := flag.NewFlagSet("profile init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dataDir := fs.String("data", envOr("WARDEN_DATA_DIR", defaultDataDir()), "data root directory")
	id := fs.String("id", "default", "profile id")
	name := fs.String("name", "", "display name (defaults to the id)")
	level := fs.Int("level", int(trust.LevelAskAlways), "default trust level (0-3)")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	if !trust.Level(*level).Valid() {
		_, _ = fmt.Fprintf(stderr, "invalid trust level %d\n", *level)
		return 2
	}
	displayName := *name
	if displayName == "" {
		displayName = *id
	}

	svc := profile.NewService(*dataDir)
	settings := profile.Settings{
		ID:                *id,
		Name:              displayName,
		DefaultTrustLevel: trust.Level(*level),
	}
	if err := svc.Save(settings); err != nil {
		_, _ = fmt.Fprintf(stderr, "save profile: %v\n", err)
		return 1
	}
	for _, ensure := range []func(string) (string, error){svc.LogsDir, svc.TrustDir, svc.MemoryDir} {
		if _, err := ensure(*id); err != nil {
			_, _ = fmt.Fprintf(stderr, "create profile dirs: %v\n", err)
			return 1
		}
	}

	_, _ = fmt.Fprintf(stdout, "profile %s initialized (%s)\n",
		*id, settings.DefaultTrustLevel.String())
	return 0
}
