package cmd

import (
	"io"

	"github.com/spf13/cobra"
)

var partitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "Show the partition map",
	Long: `Show the partitions of the flash image with the running partition and
whether each application slot holds a valid image.

Examples:
  fwdl partitions --image flash.bin
  fwdl partitions --image flash.bin -o json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPartitions()
	},
}

func init() {
	rootCmd.AddCommand(partitionsCmd)
}

func runPartitions() error {
	flash, factory, err := openServices(true)
	if err != nil {
		return err
	}
	defer flash.Close()

	infos, err := factory.PartitionMap()
	if err != nil {
		return err
	}
	return formatOutput(stdout, outputFormat, infos, func(w io.Writer) error {
		return formatPartitionTable(w, infos)
	})
}
