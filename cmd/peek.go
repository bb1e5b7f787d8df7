package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/camrelay/config"
	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/media"
	"github.com/babelcloud/camrelay/internal/viewer"
)

// NewPeekCmd creates the peek command
func NewPeekCmd() *cobra.Command {
	var (
		output  string
		quality int
		powerUp bool
	)

	cmd := &cobra.Command{
		Use:   "peek <camera|region>",
		Short: "Copy one frame out of shared memory into a JPEG",
		Long: `Lock a camera's shared memory region through the control channel, copy the current
frame and save it as a JPEG. The argument may be a camera name or its region name.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			regions, err := config.CameraRegions()
			if err != nil {
				return err
			}
			name, region := args[0], ""
			if r, ok := regions.Get(name); ok {
				region = r
			} else if n, ok := regions.GetInverse(name); ok {
				name, region = n, args[0]
			} else {
				return errors.Errorf("no camera or region named %s", args[0])
			}

			ctx := cmd.Context()
			client := controlClient()
			if powerUp {
				if reply, err := client.Do(ctx, control.Up(name)); err != nil {
					return err
				} else if !reply.OK() {
					return errors.Errorf("resource server refused %s up: %s", name, reply)
				}
				defer client.Do(ctx, control.Down(name))
			}

			src, err := viewer.OpenBridgeSource(client, config.GetShmDir(), name, region, config.GetFrameWidth(), config.GetFrameHeight())
			if err != nil {
				return err
			}
			defer src.Close()

			frame, err := src.Pull(ctx)
			if err != nil {
				return errors.Wrapf(err, "failed to read a frame of %s", name)
			}
			jpg, err := media.EncodeJPEG(frame, quality)
			if err != nil {
				return err
			}
			if output == "" {
				output = fmt.Sprintf("%s-%d.jpg", name, frame.ProducerSeq)
			}
			if err := writeFile(output, jpg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "frame %d of %s (%s) saved to %s\n", frame.ProducerSeq, name, region, output)
			return nil
		},
		Example: `  # Save the current frame of cam1
  camrelay peek cam1

  # Power the camera up for the duration of the peek
  camrelay peek camrelay-cam2 --up -o cam2.jpg`,
	}

	flags := cmd.Flags()
	flags.StringVarP(&output, "output", "o", "", "Output file (default <camera>-<seq>.jpg)")
	flags.IntVarP(&quality, "quality", "q", media.DefaultJPEGQuality, "JPEG quality (1-100)")
	flags.BoolVar(&powerUp, "up", false, "Power the camera up before reading and down afterwards")

	return cmd
}
