package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/vishalkuo/bimap"
)

var v *viper.Viper

// Camera is one entry of the cameras list.
type Camera struct {
	Name    string `mapstructure:"name" json:"name"`
	Region  string `mapstructure:"region" json:"region"`
	Pattern string `mapstructure:"pattern" json:"pattern"`
}

var defaultCameras = []map[string]string{
	{"name": "cam1", "region": "camrelay-cam1", "pattern": "bars"},
	{"name": "cam2", "region": "camrelay-cam2", "pattern": "gradient"},
	{"name": "cam3", "region": "camrelay-cam3", "pattern": "noise"},
}

func init() {
	v = viper.New()

	// Control channel
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 28110)
	v.SetDefault("control.timeout", "3s")
	v.SetDefault("control.max_clients", 4)
	v.SetDefault("control.proxy_protocol", false)

	// Viewer server
	v.SetDefault("server.port", 28111)

	// Frames
	v.SetDefault("frame.width", 640)
	v.SetDefault("frame.height", 480)
	v.SetDefault("frame.fps", 30)
	v.SetDefault("shm.dir", "/dev/shm")
	v.SetDefault("cameras", defaultCameras)

	// Outputs
	v.SetDefault("camrelay.home", filepath.Join(xdg.Home, ".camrelay"))
	v.SetDefault("output.dir", "")
	v.SetDefault("output.recording_prefix", "vidoutput")
	v.SetDefault("output.snapshot_prefix", "imageout")

	// Graph and bridge tuning
	v.SetDefault("graph.link_capacity", 8)
	v.SetDefault("graph.max_branches", 16)
	v.SetDefault("bridge.dedup", false)
	v.SetDefault("bridge.retry_interval", "200ms")

	// Environment variables
	v.SetEnvPrefix("CAMRELAY")
	v.AutomaticEnv()
	v.BindEnv("control.host", "CAMRELAY_CONTROL_HOST")
	v.BindEnv("control.port", "CAMRELAY_CONTROL_PORT")
	v.BindEnv("control.proxy_protocol", "CAMRELAY_PROXY_PROTOCOL")
	v.BindEnv("server.port", "CAMRELAY_SERVER_PORT", "CAMRELAY_PORT")
	v.BindEnv("shm.dir", "CAMRELAY_SHM_DIR")
	v.BindEnv("output.dir", "CAMRELAY_OUTPUT_DIR")
	v.BindEnv("camrelay.home", "CAMRELAY_HOME")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.camrelay",
		"/etc/camrelay",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// GetControlAddr returns host:port of the resource server's control channel
func GetControlAddr() string {
	return net.JoinHostPort(v.GetString("control.host"), strconv.Itoa(v.GetInt("control.port")))
}

// GetControlTimeout bounds one control round trip
func GetControlTimeout() time.Duration {
	return v.GetDuration("control.timeout")
}

func GetControlMaxClients() int {
	return v.GetInt("control.max_clients")
}

func GetControlProxyProtocol() bool {
	return v.GetBool("control.proxy_protocol")
}

// GetServerPort returns the viewer HTTP port
func GetServerPort() int {
	return v.GetInt("server.port")
}

func GetFrameWidth() int  { return v.GetInt("frame.width") }
func GetFrameHeight() int { return v.GetInt("frame.height") }
func GetFrameFPS() int    { return v.GetInt("frame.fps") }

// GetShmDir returns the directory holding shared-memory regions
func GetShmDir() string {
	return v.GetString("shm.dir")
}

// GetHome returns the camrelay home directory
func GetHome() string {
	return v.GetString("camrelay.home")
}

// GetOutputDir returns where recordings and snapshots are written
func GetOutputDir() string {
	if dir := v.GetString("output.dir"); dir != "" {
		return dir
	}
	if videos := xdg.UserDirs.Videos; videos != "" {
		return filepath.Join(videos, "camrelay")
	}
	return filepath.Join(GetHome(), "output")
}

func GetRecordingPrefix() string {
	return v.GetString("output.recording_prefix")
}

func GetSnapshotPrefix() string {
	return v.GetString("output.snapshot_prefix")
}

func GetLinkCapacity() int {
	return v.GetInt("graph.link_capacity")
}

func GetMaxBranches() int {
	return v.GetInt("graph.max_branches")
}

func GetBridgeDedup() bool {
	return v.GetBool("bridge.dedup")
}

func GetBridgeRetryInterval() time.Duration {
	return v.GetDuration("bridge.retry_interval")
}

// Cameras returns the configured cameras. Entries without a region use the
// camera name.
func Cameras() ([]Camera, error) {
	var cams []Camera
	if err := v.UnmarshalKey("cameras", &cams); err != nil {
		return nil, errors.Wrap(err, "invalid cameras config")
	}
	seen := make(map[string]bool, len(cams))
	for i := range cams {
		if cams[i].Name == "" {
			return nil, errors.Errorf("camera %d has no name", i)
		}
		if seen[cams[i].Name] {
			return nil, errors.Errorf("camera %s listed twice", cams[i].Name)
		}
		seen[cams[i].Name] = true
		if cams[i].Region == "" {
			cams[i].Region = cams[i].Name
		}
	}
	return cams, nil
}

// CameraRegions maps camera names to shared-memory region names and back.
func CameraRegions() (*bimap.BiMap[string, string], error) {
	cams, err := Cameras()
	if err != nil {
		return nil, err
	}
	m := bimap.NewBiMap[string, string]()
	for _, c := range cams {
		if _, taken := m.GetInverse(c.Region); taken {
			return nil, errors.Errorf("region %s is used by more than one camera", c.Region)
		}
		m.Insert(c.Name, c.Region)
	}
	return m, nil
}

// Set overrides a key; used by command flags and tests.
func Set(key string, value interface{}) {
	v.Set(key, value)
}

// LoadFile reads an explicit config file on top of the defaults.
func LoadFile(path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	return nil
}
