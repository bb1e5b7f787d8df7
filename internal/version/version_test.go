package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormattedBuildTime(t *testing.T) {
	old := BuildTime
	t.Cleanup(func() { BuildTime = old })

	BuildTime = "unknown"
	assert.Equal(t, "unknown", FormattedBuildTime())

	BuildTime = "2026-03-01T10:20:30Z"
	assert.Equal(t, "Sun Mar 1 10:20:30 2026", FormattedBuildTime())

	BuildTime = "yesterday"
	assert.Equal(t, "yesterday", FormattedBuildTime())
}

func TestInfo(t *testing.T) {
	info := Info()
	assert.Equal(t, Version, info["Version"])
	assert.Equal(t, ControlProtocol, info["ControlProtocol"])
	assert.NotEmpty(t, info["GoVersion"])
}
