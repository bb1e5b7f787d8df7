package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/babelcloud/camrelay/config"
	"github.com/babelcloud/camrelay/internal/control"
	"github.com/babelcloud/camrelay/internal/util"
	"github.com/babelcloud/camrelay/internal/viewer"
)

// NewCameraCmd creates the camera command. It talks to the resource server
// directly, bypassing the viewer server's reference counts.
func NewCameraCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "camera",
		Short: "Control cameras on the resource server",
		Long: `Send control commands to the resource server. Cameras turned on here are not
tracked by the viewer server, so turning one off may cut live viewers.`,
	}

	cmd.AddCommand(newCameraSwitchCmd("up", "Power a camera up", control.Up))
	cmd.AddCommand(newCameraSwitchCmd("down", "Power a camera down", control.Down))
	cmd.AddCommand(newCameraStatusCmd())
	cmd.AddCommand(newCameraStopServerCmd())
	return cmd
}

func controlClient() *control.Client {
	return control.NewClient(config.GetControlAddr(), control.WithTimeout(config.GetControlTimeout()))
}

// doWithRetry sends cmd, retrying while the resource server is unreachable.
func doWithRetry(ctx context.Context, client *control.Client, cmd control.Command) (control.Reply, error) {
	var reply control.Reply
	err := control.Retry(ctx, 3, config.GetBridgeRetryInterval(), func() error {
		var err error
		reply, err = client.Do(ctx, cmd)
		return err
	})
	return reply, err
}

func newCameraSwitchCmd(use, short string, build func(string) control.Command) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <camera>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := doWithRetry(cmd.Context(), controlClient(), build(args[0]))
			if err != nil {
				return err
			}
			if !reply.OK() {
				return errors.Errorf("resource server refused %s %s: %s", args[0], use, reply)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.CyanString(args[0]), color.GreenString(use))
			return nil
		},
	}
}

func newCameraStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "status [camera...]",
		Short:         "Show camera power state",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				cams, err := config.Cameras()
				if err != nil {
					return err
				}
				for _, c := range cams {
					names = append(names, c.Name)
				}
			}
			return printCameraStates(cmd.Context(), cmd.OutOrStdout(), controlClient(), names)
		},
	}
}

// printCameraStates asks for every name on one control connection.
func printCameraStates(ctx context.Context, w io.Writer, client *control.Client, names []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	session, err := client.Open(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	rows := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		reply, err := session.Do(ctx, control.Status(name))
		if err != nil {
			return errors.Wrapf(err, "status of %s", name)
		}
		rows = append(rows, map[string]interface{}{
			"name":  name,
			"state": stateColor(reply.Word()),
		})
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "CAMERA", Key: "name"},
		{Header: "STATE", Key: "state"},
	}, rows)
	return nil
}

func stateColor(word string) string {
	switch word {
	case control.ReplyUp:
		return color.GreenString("up")
	case control.ReplyDown:
		return color.New(color.Faint).Sprint("down")
	}
	return color.YellowString("unknown")
}

func newCameraStopServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "stop-server",
		Short:         "Ask the resource server to shut down",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := controlClient()
			reply, err := client.Do(cmd.Context(), control.Stop())
			if err != nil {
				return err
			}
			if !reply.OK() {
				return errors.Errorf("resource server refused STOP: %s", reply)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resource server at %s stopping\n", client.Addr())
			return nil
		},
	}
}

// renderCameraStatus prints the viewer server's view of its cameras.
func renderCameraStatus(w io.Writer, cams []viewer.CameraStatus) {
	rows := make([]map[string]interface{}, 0, len(cams))
	for _, c := range cams {
		state := color.New(color.Faint).Sprint("idle")
		if c.Active {
			state = color.GreenString("active")
		}
		rows = append(rows, map[string]interface{}{
			"name":     c.Name,
			"state":    state,
			"refcount": c.RefCount,
			"graph":    c.Graph.State,
			"seq":      c.Graph.Seq,
			"branches": len(c.Branches),
		})
	}
	util.RenderTable(w, []util.TableColumn{
		{Header: "CAMERA", Key: "name"},
		{Header: "STATE", Key: "state"},
		{Header: "REFS", Key: "refcount"},
		{Header: "GRAPH", Key: "graph"},
		{Header: "SEQ", Key: "seq"},
		{Header: "BRANCHES", Key: "branches"},
	}, rows)
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}
