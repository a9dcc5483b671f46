package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var activateLabel string

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Point the next boot at an application partition",
	Long: `Validate an application partition and make it the boot partition.
The partition must hold an image and must not be the running partition.
Without --label the alternate slot is activated.

Examples:
  fwdl activate --image flash.bin --label app1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flash, factory, err := openServices(false)
		if err != nil {
			return err
		}
		defer flash.Close()

		boot, err := factory.BootSelector()
		if err != nil {
			return err
		}
		target, err := boot.ActivateLabel(activateLabel)
		if err != nil {
			return err
		}

		// The process exits before a scheduled restart fires, so restart here
		restarter, err := factory.Restarter()
		if err != nil {
			return err
		}
		if err := restarter.RestartNow(); err != nil {
			return err
		}
		if err := flash.Sync(); err != nil {
			return err
		}

		dir, err := factory.Directory()
		if err != nil {
			return err
		}
		running := dir.RunningApplicationPartition()
		return formatOutput(stdout, outputFormat, map[string]interface{}{
			"activated": target,
			"running":   running,
		}, func(w io.Writer) error {
			fmt.Fprintf(w, "Activated %s, now running %s\n", target.Label, running.Label)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(activateCmd)
	activateCmd.Flags().StringVar(&activateLabel, "label", "", "application partition to activate (default: alternate slot)")
}
