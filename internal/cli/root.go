// Package cli wires the ytgrab commands.
package cli

import (
	"github.com/you-humble/ytgrab/internal/app"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./configs/local.yaml"

var Version = "dev"

func NewRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "ytgrab",
		Short:         "ytgrab runs yt-dlp downloads behind an HTTP API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "Path to the YAML config file")

	root.AddCommand(newServeCmd(&cfgPath), newProbeCmd(&cfgPath))
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the admin gRPC server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return app.New(ctx, *cfgPath).Run(ctx)
		},
	}
}

func newProbeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "probe [URL]",
		Short: "Print the video-only formats yt-dlp reports for URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Probe(cmd.Context(), *cfgPath, args[0], cmd.OutOrStdout())
		},
	}
}
