package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/camrelay/internal/version"
)

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Info()
			if outputFormat == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "camrelay:")
			fmt.Fprintf(w, "  Version:          %s\n", info["Version"])
			fmt.Fprintf(w, "  Control protocol: %s\n", info["ControlProtocol"])
			fmt.Fprintf(w, "  Go version:       %s\n", info["GoVersion"])
			fmt.Fprintf(w, "  Git commit:       %s\n", info["GitCommit"])
			fmt.Fprintf(w, "  Built:            %s\n", info["FormattedTime"])
			fmt.Fprintf(w, "  OS/Arch:          %s/%s\n", info["OS"], info["Arch"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	return cmd
}
