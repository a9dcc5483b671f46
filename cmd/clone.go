package cmd

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cloneLabel string

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Copy the running application into another slot",
	Long: `Copy the running application partition into another application slot,
verify the copy and point the next boot at it.

Without --label the target is the application slot with the lowest address
that is not running.

Examples:
  fwdl clone --image flash.bin
  fwdl clone --image flash.bin --label app1`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flash, factory, err := openServices(false)
		if err != nil {
			return err
		}
		defer flash.Close()

		cloner, err := factory.Cloner()
		if err != nil {
			return err
		}
		result, err := cloner.CloneTo(cmd.Context(), cloneLabel)
		if err != nil {
			return err
		}
		if err := flash.Sync(); err != nil {
			return err
		}

		return formatOutput(stdout, outputFormat, result, func(w io.Writer) error {
			fmt.Fprintf(w, "Cloned %s (0x%08X) to %s (0x%08X)\n",
				result.Source.Label, result.Source.Address, result.Target.Label, result.Target.Address)
			fmt.Fprintf(w, "Copied %s, blake3 %s\n", humanize.IBytes(uint64(result.Bytes)), result.Digest)
			fmt.Fprintf(w, "Next boot: %s\n", result.Target.Label)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(cloneCmd)
	cloneCmd.Flags().StringVar(&cloneLabel, "label", "", "target application partition (default: alternate slot)")
}
