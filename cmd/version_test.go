package cmd

import (
	"bytes"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/superturtle41/FrogBot/frogbot"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := frogbot.Version
	originalCommitSHA := frogbot.CommitSHA
	originalBuildTime := frogbot.BuildTime
	t.Cleanup(
		func() {
			frogbot.Version = originalVersion
			frogbot.CommitSHA = originalCommitSHA
			frogbot.BuildTime = originalBuildTime
			versionCmd.SetOut(nil)
		},
	)

	frogbot.Version = "1.0.0"
	frogbot.CommitSHA = "abc123"
	frogbot.BuildTime = "2024-06-01T12:00:00Z"

	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Equal(
		t,
		"frogbot 1.0.0 (commit abc123, built 2024-06-01T12:00:00Z, "+runtime.Version()+")\n",
		out.String(),
	)
}
