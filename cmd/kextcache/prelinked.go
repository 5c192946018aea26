package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/acidkit/kextcache/prelinked"
)

func newPrelinkedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prelinked",
		Short: "Operate on a prelinked kernel or Kernel Collection container",
	}
	cmd.AddCommand(newPrelinkedInjectCmd())
	return cmd
}

func newPrelinkedInjectCmd() *cobra.Command {
	var (
		kernelPath  string
		bundleDir   string
		outputPath  string
		is32bit     bool
		growthBytes uint32
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Inject one kext bundle into a prelinked kernel or Kernel Collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(kernelPath)
			if err != nil {
				return err
			}
			infoPlist, execBytes, bundleID, err := readBundle(bundleDir)
			if err != nil {
				return err
			}

			size := uint32(len(raw))
			capacity := size + growthBytes
			buf := make([]byte, capacity)
			copy(buf, raw)

			ctx, err := prelinked.Init(buf, size, capacity, is32bit, log)
			if err != nil {
				return err
			}

			reservedExe := uint32(0)
			if execBytes != nil {
				_, reservedExe, err = ctx.ReserveKextSize(uint32(len(infoPlist)), uint32(len(execBytes)))
			} else {
				_, reservedExe, err = ctx.ReserveKextSize(uint32(len(infoPlist)), 0)
			}
			if err != nil {
				return err
			}

			if err := ctx.InjectPrepare(growthBytes/2, reservedExe); err != nil {
				return err
			}

			execPath := ""
			if execBytes != nil {
				execPath = "Contents/MacOS/" + filepath.Base(bundleDir)
			}
			if err := ctx.InjectKext(bundleID, filepath.Base(bundleDir), infoPlist, execPath, execBytes); err != nil {
				return err
			}
			if err := ctx.InjectComplete(); err != nil {
				return err
			}
			if ctx.IsKernelCollection {
				if err := ctx.RebuildMachHeader(); err != nil {
					return err
				}
			}

			log.WithField("size", ctx.Size).Info("prelinked container rebuilt")
			return os.WriteFile(outputPath, ctx.Buffer[:ctx.Size], 0o644)
		},
	}

	cmd.Flags().StringVar(&kernelPath, "kernel", "", "path to the prelinked kernel / Kernel Collection (required)")
	cmd.Flags().StringVar(&bundleDir, "kext", "", "path to the .kext bundle directory to inject (required)")
	cmd.Flags().StringVar(&outputPath, "output", "", "path to write the patched container to (required)")
	cmd.Flags().BoolVar(&is32bit, "32", false, "treat the container as 32-bit")
	cmd.Flags().Uint32Var(&growthBytes, "growth", 4<<20, "extra bytes of capacity to grow the container by")
	cmd.MarkFlagRequired("kernel")
	cmd.MarkFlagRequired("kext")
	cmd.MarkFlagRequired("output")

	return cmd
}

// readBundle reads a .kext bundle's Info.plist and, if present, its single
// Contents/MacOS executable.
func readBundle(bundleDir string) (infoPlist, executable []byte, identifier string, err error) {
	infoPlist, err = os.ReadFile(filepath.Join(bundleDir, "Contents", "Info.plist"))
	if err != nil {
		return nil, nil, "", err
	}

	macOSDir := filepath.Join(bundleDir, "Contents", "MacOS")
	entries, err := os.ReadDir(macOSDir)
	if err == nil && len(entries) > 0 {
		executable, err = os.ReadFile(filepath.Join(macOSDir, entries[0].Name()))
		if err != nil {
			return nil, nil, "", err
		}
	}

	return infoPlist, executable, "", nil
}
