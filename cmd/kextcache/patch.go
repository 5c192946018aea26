package main

import (
	"encoding/hex"
	"os"

	"github.com/spf13/cobra"

	"github.com/acidkit/kextcache/patcher"
)

func newPatchCmd() *cobra.Command {
	var (
		inputPath  string
		outputPath string
		findHex    string
		replaceHex string
		baseSymbol string
		count      uint32
		skip       uint32
		block      bool
	)

	cmd := &cobra.Command{
		Use:   "patch",
		Short: "Apply a generic find/replace patch (or a start-failure block) to a standalone kext binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(inputPath)
			if err != nil {
				return err
			}
			buf := append([]byte(nil), raw...)

			pc, err := patcher.FromBuffer(buf)
			if err != nil {
				return err
			}

			if block {
				if err := pc.Block(); err != nil {
					return err
				}
			} else {
				find, err := hex.DecodeString(findHex)
				if err != nil {
					return err
				}
				replace, err := hex.DecodeString(replaceHex)
				if err != nil {
					return err
				}
				n, err := pc.Apply(patcher.GenericPatch{
					Find:    find,
					Replace: replace,
					Base:    baseSymbol,
					Count:   count,
					Skip:    skip,
				})
				if err != nil {
					return err
				}
				log.WithField("replacements", n).Info("patch applied")
			}

			return os.WriteFile(outputPath, pc.Buffer, 0o644)
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "", "path to the standalone Mach-O binary (required)")
	cmd.Flags().StringVar(&outputPath, "output", "", "path to write the patched binary to (required)")
	cmd.Flags().StringVar(&findHex, "find", "", "hex-encoded byte pattern to search for")
	cmd.Flags().StringVar(&replaceHex, "replace", "", "hex-encoded replacement bytes")
	cmd.Flags().StringVar(&baseSymbol, "base", "", "symbol name constraining the search window")
	cmd.Flags().Uint32Var(&count, "count", 0, "number of matches to replace (0 = all)")
	cmd.Flags().Uint32Var(&skip, "skip", 0, "number of leading matches to skip")
	cmd.Flags().BoolVar(&block, "block", false, "overwrite kmod_info.start with a constant failure stub instead of pattern-patching")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("output")

	return cmd
}
