package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/babelcloud/camrelay/config"
	"github.com/babelcloud/camrelay/internal/camserver"
)

// NewResourceServerCmd creates the resource-server command
func NewResourceServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource-server",
		Short: "Run the camera resource server",
		Long:  `Run the resource server that owns the camera shared memory regions and answers control commands.`,
	}
	cmd.AddCommand(newResourceServerStartCmd())
	return cmd
}

func newResourceServerStartCmd() *cobra.Command {
	var inMemory bool

	cmd := &cobra.Command{
		Use:           "start",
		Short:         "Start the resource server in the foreground",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResourceServer(cmd.Context(), inMemory)
		},
		Example: `  # Serve the configured cameras from /dev/shm
  camrelay resource-server start

  # Listen on another control port
  CAMRELAY_CONTROL_PORT=29110 camrelay resource-server start`,
	}

	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "Keep regions in process memory (no shared memory files)")
	return cmd
}

func runResourceServer(ctx context.Context, inMemory bool) error {
	cams, err := config.Cameras()
	if err != nil {
		return err
	}
	cfg := camserver.Config{
		Addr:          config.GetControlAddr(),
		Dir:           config.GetShmDir(),
		Width:         config.GetFrameWidth(),
		Height:        config.GetFrameHeight(),
		FPS:           config.GetFrameFPS(),
		MaxClients:    config.GetControlMaxClients(),
		ProxyProtocol: config.GetControlProxyProtocol(),
		LockTimeout:   config.GetControlTimeout(),
		InMemory:      inMemory,
	}
	for _, c := range cams {
		cfg.Cameras = append(cfg.Cameras, camserver.CameraConfig{Name: c.Name, Region: c.Region, Pattern: c.Pattern})
	}

	srv, err := camserver.New(cfg)
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s %s %s\n", color.GreenString("📷 camrelay resource server"), color.CyanString("➜"), color.BlueString(srv.Addr()))
	for _, c := range cams {
		fmt.Printf("   %s -> %s\n", color.CyanString(c.Name), c.Region)
	}
	fmt.Println(color.CyanString("Press Ctrl+C or send STOP to stop..."))

	return srv.Run(ctx)
}
