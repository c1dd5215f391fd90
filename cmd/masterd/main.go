package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/integrii/flaggy"
	"github.com/samber/lo"

	"github.com/aio-orchestrator/masterd/internal/app"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	dataDir                = "/mnt/docker-aio-config/data"
	catalogPath            = "containers.json"
	communityContainersDir = "../../../community-containers"
	dockerSocketPath       string
	debuggingFlag          = false
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf("%s\nDate: %s\nCommit: %s", version, date, commit)

	flaggy.SetName("masterd")
	flaggy.SetDescription("Container orchestration core for a self-hosted productivity-suite deployment")
	flaggy.String(&dataDir, "d", "data-dir", "Directory holding configuration.json and other persisted state")
	flaggy.String(&catalogPath, "c", "catalog", "Path to the built-in container manifest (containers.json)")
	flaggy.String(&communityContainersDir, "", "community-containers-dir", "Directory of community container fragments")
	flaggy.String(&dockerSocketPath, "", "docker-socket", "Override the configured container engine socket path")
	flaggy.Bool(&debuggingFlag, "v", "verbose", "enable verbose logging")
	flaggy.SetVersion(info)
	flaggy.Parse()

	a, err := app.New(app.Config{
		DataDir:                dataDir,
		CatalogPath:            catalogPath,
		CommunityContainersDir: communityContainersDir,
		DockerSocketPath:       dockerSocketPath,
		Debug:                  debuggingFlag,
		Version:                version,
		Commit:                 commit,
		BuildDate:              date,
	})
	if err != nil {
		log.Fatalf("failed to start: %s", err.Error())
	}
	defer a.Close()

	allowed, err := a.Mode.IsLoginAllowed(context.Background())
	if err != nil {
		a.Log.WithError(err).Error("could not determine login state")
		os.Exit(1)
	}

	fmt.Printf("%s\nconfig: %s\nlogin allowed: %t\n", info, a.ConfigPath, allowed)
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); ok {
		commit = revision.Value
		version = safeTruncate(revision.Value, 7)
	}
	if ts, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.time"
	}); ok {
		date = ts.Value
	}
}

func safeTruncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
