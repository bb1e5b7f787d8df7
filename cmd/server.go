package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/camrelay/config"
	"github.com/babelcloud/camrelay/internal/bridge"
	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/graph"
	"github.com/babelcloud/camrelay/internal/media"
	"github.com/babelcloud/camrelay/internal/server"
	"github.com/babelcloud/camrelay/internal/util"
	"github.com/babelcloud/camrelay/internal/viewer"
)

// NewServerCmd creates the server command with subcommands
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the viewer server",
		Long:  `Manage the viewer server that serves camera sessions over HTTP and WebSocket.`,
	}

	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerStopCmd())
	cmd.AddCommand(newServerStatusCmd())

	return cmd
}

// newServerStartCmd creates the 'server start' subcommand
func newServerStartCmd() *cobra.Command {
	var (
		port    int
		pattern bool
	)

	cmd := &cobra.Command{
		Use:           "start",
		Short:         "Start the viewer server",
		Long:          `Start the viewer server in the foreground. Frames are pulled from the resource server's shared memory regions.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				port = config.GetServerPort()
			}
			return runServerInForeground(port, pattern)
		},
		Example: `  # Start the viewer server on the configured port
  camrelay server start

  # Start on a specific port
  camrelay server start -p 8080

  # Serve generated test patterns without a resource server
  camrelay server start --pattern`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", 0, "Server port (default from config)")
	flags.BoolVar(&pattern, "pattern", false, "Generate frames locally instead of bridging shared memory")

	return cmd
}

// newServerStopCmd creates the 'server stop' subcommand
func newServerStopCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the viewer server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				port = config.GetServerPort()
			}
			return stopServer(port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Server port (default from config)")
	return cmd
}

// newServerStatusCmd creates the 'server status' subcommand
func newServerStatusCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check viewer server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				port = config.GetServerPort()
			}
			if err := checkServerStatus(port); err != nil {
				fmt.Println("❌ Server is not running")
				fmt.Println("   Use 'camrelay server start' to start the server")
				return nil
			}

			fmt.Println("✅ Server is running")
			fmt.Printf("   API endpoint: http://localhost:%d/api/status\n", port)

			client := &http.Client{Timeout: 2 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/cameras", port))
			if err != nil {
				return nil
			}
			defer resp.Body.Close()
			var body struct {
				Cameras []viewer.CameraStatus `json:"cameras"`
			}
			if json.NewDecoder(resp.Body).Decode(&body) != nil {
				return nil
			}
			fmt.Println()
			renderCameraStatus(cmd.OutOrStdout(), body.Cameras)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Server port (default from config)")
	return cmd
}

// buildCameraSources opens one frame source per configured camera.
func buildCameraSources(client *control.Client, pattern bool) ([]viewer.CameraSource, error) {
	regions, err := config.CameraRegions()
	if err != nil {
		return nil, err
	}
	cams, err := config.Cameras()
	if err != nil {
		return nil, err
	}
	width, height := config.GetFrameWidth(), config.GetFrameHeight()

	var opts []bridge.Option
	if config.GetBridgeDedup() {
		opts = append(opts, bridge.WithDedup(time.Second/time.Duration(2*config.GetFrameFPS())))
	}

	sources := make([]viewer.CameraSource, 0, len(cams))
	for _, c := range cams {
		var src graph.Source
		if pattern {
			p, path, err := media.ParsePattern(c.Pattern)
			if err != nil {
				closeSources(sources)
				return nil, errors.Wrapf(err, "camera %s", c.Name)
			}
			if path != "" {
				fs, err := media.NewFileSource(path, width, height)
				if err != nil {
					closeSources(sources)
					return nil, errors.Wrapf(err, "camera %s", c.Name)
				}
				src = fs
			} else {
				src = media.NewPatternSource(p, width, height)
			}
		} else {
			region, _ := regions.Get(c.Name)
			bs, err := viewer.OpenBridgeSource(client, config.GetShmDir(), c.Name, region, width, height, opts...)
			if err != nil {
				closeSources(sources)
				return nil, errors.Wrapf(err, "camera %s", c.Name)
			}
			src = bs
		}
		sources = append(sources, viewer.CameraSource{Name: c.Name, Source: src})
	}
	return sources, nil
}

func closeSources(sources []viewer.CameraSource) {
	for _, s := range sources {
		if c, ok := s.Source.(io.Closer); ok {
			c.Close()
		}
	}
}

func newHub(client *control.Client, sources []viewer.CameraSource) (*viewer.Hub, error) {
	return viewer.NewHub(client, sources, viewer.Config{
		OutputDir:       config.GetOutputDir(),
		RecordingPrefix: config.GetRecordingPrefix(),
		SnapshotPrefix:  config.GetSnapshotPrefix(),
		Width:           config.GetFrameWidth(),
		Height:          config.GetFrameHeight(),
		FPS:             config.GetFrameFPS(),
		QueueSize:       config.GetLinkCapacity(),
		MaxBranches:     config.GetMaxBranches(),
		ErrorBackoff:    config.GetBridgeRetryInterval(),
	})
}

func runServerInForeground(port int, pattern bool) error {
	if err := checkServerStatus(port); err == nil {
		fmt.Printf("server has been already started on port %d\n", port)
		return nil
	} else if err == ServerMismatchedError {
		return errors.Wrapf(err, "port %d is already been used", port)
	}

	util.SetupGlobalLogger()
	client := control.NewClient(config.GetControlAddr(), control.WithTimeout(config.GetControlTimeout()))
	sources, err := buildCameraSources(client, pattern)
	if err != nil {
		return err
	}
	defer closeSources(sources)

	hub, err := newHub(client, sources)
	if err != nil {
		return err
	}

	srv := server.NewCamRelayServer(port, hub)
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	for range 3 {
		time.Sleep(time.Second)
		if err := checkServerStatus(port); err == nil {
			break
		}
		select {
		case startErr := <-errChan:
			return errors.Wrapf(startErr, "fail to start server on port %d", port)
		default:
		}
	}

	fmt.Printf("%s %s %s\n", color.GreenString("🎥 camrelay viewer server"), color.CyanString("➜"), color.BlueString("http://localhost:%d", port))
	fmt.Printf("   control channel: %s\n", color.CyanString(client.Addr()))
	fmt.Println(color.CyanString("Press Ctrl+C to stop..."))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Println("Shutting down server...")
		if err := srv.Stop(); err != nil {
			log.Printf("Error stopping server: %v", err)
		}
	case <-srv.Done():
	}

	return nil
}

func checkServerStatus(port int) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/health", port))
	if err != nil {
		return ServerPortUnavailableError
	}
	defer resp.Body.Close()
	var body struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ServerMismatchedError
	}
	if body.Service != "camrelay-server" {
		return ServerMismatchedError
	}
	return nil
}

func stopServer(port int) error {
	if err := checkServerStatus(port); err != nil {
		if err == ServerPortUnavailableError {
			return errors.Errorf("server is not running")
		}
		return errors.Wrapf(err, "port %d is already been used by other process", port)
	}

	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/server/shutdown", port), "application/json", nil)
	if err != nil {
		return ServerPortUnavailableError
	}
	defer resp.Body.Close()
	io.ReadAll(resp.Body)
	fmt.Println("server stopped")
	return nil
}

var ServerPortUnavailableError = &serverPortUnavailableError{}

type serverPortUnavailableError struct{}

func (e *serverPortUnavailableError) Error() string {
	return "server port unavailable"
}

var ServerMismatchedError = &serverMismatchedError{}

type serverMismatchedError struct{}

func (e *serverMismatchedError) Error() string {
	return "server mismatched"
}
