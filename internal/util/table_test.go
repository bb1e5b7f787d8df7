package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestRenderTableAlignsColouredCells(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = prev }()

	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{
		{Header: "CAMERA", Key: "name"},
		{Header: "STATE", Key: "state"},
		{Header: "REFS", Key: "refs"},
	}, []map[string]interface{}{
		{"name": "cam1", "state": color.GreenString("UP"), "refs": 2},
		{"name": "camera-long", "state": "DOWN", "refs": 0},
	})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.Equal(t, "CAMERA      STATE REFS", lines[0])
	assert.Equal(t, "----------- ----- ----", lines[1])
	assert.Equal(t, "camera-long DOWN  0", lines[3])
	assert.Equal(t, "cam1        UP    2", ansiPattern.ReplaceAllString(lines[2], ""))
}

func TestRenderTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, []TableColumn{{Header: "X", Key: "x"}}, nil)
	assert.Equal(t, "No data to display\n", buf.String())
}
