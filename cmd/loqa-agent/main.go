package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-link/internal/tools/manifest"
)

var version = "0.1.0-dev"

func main() {
	root := &cobra.Command{
		Use:          "loqa-agent",
		Short:        "Tools for authoring loqa-link agents",
		SilenceUsage: true,
	}

	var path string
	validate := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check an agent manifest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				m   manifest.Manifest
				err error
			)
			switch {
			case path != "":
				m, err = manifest.Load(path)
			case len(args) == 1:
				m, err = manifest.LoadDir(args[0])
			default:
				m, err = manifest.LoadDir(".")
			}
			if err != nil {
				return err
			}
			if err := manifest.Validate(m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest valid: %s (%s mode)\n", m.ID, m.Mode)
			return nil
		},
	}
	validate.Flags().StringVar(&path, "file", "", "Path to a manifest file instead of an agent directory")

	root.AddCommand(validate, &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
