package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/acidkit/kextcache/cacheless"
)

func newCachelessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cacheless",
		Short: "Build a virtual Extensions directory overlay",
	}
	cmd.AddCommand(newCachelessOverlayCmd())
	return cmd
}

func newCachelessOverlayCmd() *cobra.Command {
	var (
		extensionsDir string
		kernelVersion string
		is32bit       bool
		injectKexts   []string
	)

	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "List the overlay entries a cacheless boot would present for an Extensions directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			real := os.DirFS(extensionsDir)
			ctx, err := cacheless.Init(real, ".", kernelVersion, is32bit)
			if err != nil {
				return err
			}

			for _, bundleDir := range injectKexts {
				infoPlist, execBytes, _, err := readBundle(bundleDir)
				if err != nil {
					return err
				}
				if err := ctx.AddKext(infoPlist, execBytes); err != nil {
					return err
				}
			}

			overlay, err := ctx.OverlayExtensionsDir()
			if err != nil {
				return err
			}

			entries, err := fs.ReadDir(overlay, ".")
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), e.Name())
			}
			log.WithField("count", len(entries)).Info("overlay built")
			return nil
		},
	}

	cmd.Flags().StringVar(&extensionsDir, "extensions", "", "path to the real Extensions directory (required)")
	cmd.Flags().StringVar(&kernelVersion, "kernel-version", "", "Darwin kernel version string")
	cmd.Flags().BoolVar(&is32bit, "32", false, "treat bundles as 32-bit")
	cmd.Flags().StringArrayVar(&injectKexts, "inject-kext", nil, "path to a .kext bundle directory to inject (repeatable)")
	cmd.MarkFlagRequired("extensions")

	return cmd
}
