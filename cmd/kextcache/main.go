// Command kextcache drives the engine's four container/overlay formats
// from the command line: inject a kext into a prelinked kernel or Kernel
// Collection, inject into an mkext archive, build a cacheless Extensions
// overlay, or apply a standalone binary patch. It is the one consumer that
// exercises cobra/mousetrap (Windows console reattachment) and
// golang.org/x/sys end to end.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.StandardLogger()

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:           "kextcache",
		Short:         "Inject, patch and overlay kext caches the way the bootloader's kernel-cache engine does",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newPrelinkedCmd(),
		newMkextCmd(),
		newCachelessCmd(),
		newPatchCmd(),
	)
	return cmd
}
