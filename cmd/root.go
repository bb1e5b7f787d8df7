package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/camrelay/config"
	"github.com/babelcloud/camrelay/internal/util"
	"github.com/babelcloud/camrelay/internal/version"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "camrelay",
		Short: "Camera relay CLI Tool",
		Long: `camrelay distributes live camera frames from a resource server to many viewers.
It runs the resource server that owns the shared memory regions, the viewer server that
builds per-camera graphs and sessions, and a few commands to poke at both.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose || util.IsVerbose())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.Info()
				fmt.Printf("camrelay version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("config", "", "Config file (default searches ., ~/.camrelay and /etc/camrelay)")
	cobra.OnInitialize(func() {
		if path, _ := rootCmd.PersistentFlags().GetString("config"); path != "" {
			if err := config.LoadFile(path); err != nil {
				fmt.Printf("Warning: %v\n", err)
			}
		}
	})

	rootCmd.AddCommand(NewVersionCommand())
	rootCmd.AddCommand(NewServerCmd())
	rootCmd.AddCommand(NewResourceServerCmd())
	rootCmd.AddCommand(NewCameraCmd())
	rootCmd.AddCommand(NewPeekCmd())
}
