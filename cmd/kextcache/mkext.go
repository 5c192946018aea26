package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/acidkit/kextcache/mkext"
)

func newMkextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkext",
		Short: "Operate on an mkext v1/v2 kext cache archive",
	}
	cmd.AddCommand(newMkextInjectCmd())
	return cmd
}

func newMkextInjectCmd() *cobra.Command {
	var (
		archivePath string
		bundleDir   string
		outputPath  string
		growthBytes uint32
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject one kext bundle into an mkext archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(archivePath)
			if err != nil {
				return err
			}
			infoPlist, execBytes, _, err := readBundle(bundleDir)
			if err != nil {
				return err
			}

			size := uint32(len(raw))
			allocSize := size + growthBytes
			buf := make([]byte, allocSize)
			copy(buf, raw)

			decompressed, err := mkext.Decompress(buf[:size], allocSize)
			if err != nil {
				return err
			}
			buf = make([]byte, allocSize)
			copy(buf, decompressed)

			ctx, err := mkext.Init(buf, uint32(len(decompressed)), allocSize)
			if err != nil {
				return err
			}

			var reservedInfo, reservedExe uint32
			if err := mkext.ReserveKextSize(&reservedInfo, &reservedExe, uint32(len(infoPlist)), uint32(len(execBytes))); err != nil {
				return err
			}

			if err := ctx.Inject("", "", infoPlist, execBytes); err != nil {
				return err
			}
			if err := ctx.InjectComplete(); err != nil {
				return err
			}

			log.WithField("size", ctx.MkextSize).Info("mkext archive rebuilt")
			return os.WriteFile(outputPath, ctx.Mkext[:ctx.MkextSize], 0o644)
		},
	}

	cmd.Flags().StringVar(&archivePath, "mkext", "", "path to the mkext archive (required)")
	cmd.Flags().StringVar(&bundleDir, "kext", "", "path to the .kext bundle directory to inject (required)")
	cmd.Flags().StringVar(&outputPath, "output", "", "path to write the patched archive to (required)")
	cmd.Flags().Uint32Var(&growthBytes, "growth", 1<<20, "extra bytes of capacity to grow the archive by")
	cmd.MarkFlagRequired("mkext")
	cmd.MarkFlagRequired("kext")
	cmd.MarkFlagRequired("output")

	return cmd
}
