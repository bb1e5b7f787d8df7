package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCameras(t *testing.T) {
	cams, err := Cameras()
	require.NoError(t, err)
	require.Len(t, cams, 3)
	assert.Equal(t, Camera{Name: "cam1", Region: "camrelay-cam1", Pattern: "bars"}, cams[0])

	regions, err := CameraRegions()
	require.NoError(t, err)
	region, ok := regions.Get("cam2")
	require.True(t, ok)
	assert.Equal(t, "camrelay-cam2", region)
	name, ok := regions.GetInverse("camrelay-cam3")
	require.True(t, ok)
	assert.Equal(t, "cam3", name)
}

func TestCamerasValidation(t *testing.T) {
	t.Cleanup(func() { Set("cameras", defaultCameras) })

	Set("cameras", []map[string]string{{"name": "front"}})
	cams, err := Cameras()
	require.NoError(t, err)
	assert.Equal(t, "front", cams[0].Region)

	Set("cameras", []map[string]string{{"name": "a"}, {"name": "a"}})
	_, err = Cameras()
	assert.ErrorContains(t, err, "listed twice")

	Set("cameras", []map[string]string{{"region": "r"}})
	_, err = Cameras()
	assert.ErrorContains(t, err, "no name")

	Set("cameras", []map[string]string{{"name": "a", "region": "r"}, {"name": "b", "region": "r"}})
	_, err = CameraRegions()
	assert.ErrorContains(t, err, "more than one camera")
}

func TestOutputDirOverride(t *testing.T) {
	t.Cleanup(func() { Set("output.dir", "") })
	Set("output.dir", "/tmp/camrelay-out")
	assert.Equal(t, "/tmp/camrelay-out", GetOutputDir())
	assert.NotEmpty(t, GetControlAddr())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frame:\n  fps: 12\ncontrol:\n  port: 29000\n"), 0644))
	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	t.Cleanup(func() { _ = LoadFile(empty) })

	require.NoError(t, LoadFile(path))
	assert.Equal(t, 12, GetFrameFPS())
	assert.Equal(t, 640, GetFrameWidth())
	assert.Equal(t, "127.0.0.1:29000", GetControlAddr())

	assert.Error(t, LoadFile(filepath.Join(dir, "missing.yaml")))
}
