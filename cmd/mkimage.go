package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-fwdl/internal/device"
	"github.com/deploymenttheory/go-fwdl/internal/parsers/partitiontable"
	"github.com/deploymenttheory/go-fwdl/internal/services"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

var (
	mkimageSize       string
	mkimageOut        string
	mkimageApp        string
	mkimageBootloader string
)

var mkimageCmd = &cobra.Command{
	Use:   "mkimage",
	Short: "Create an empty flash image with a partition table",
	Long: `Create an erased flash image holding the default two-slot OTA layout
(nvs, otadata, app0, app1, spiffs, coredump). An application image and a
bootloader can be written into app0 and the bootloader region.

Examples:
  fwdl mkimage --out flash.bin --size 4MiB --app firmware.bin`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMkimage()
	},
}

func init() {
	rootCmd.AddCommand(mkimageCmd)

	mkimageCmd.Flags().StringVar(&mkimageSize, "size", "4MiB", "flash size")
	mkimageCmd.Flags().StringVar(&mkimageOut, "out", "", "output image (default: the configured image path)")
	mkimageCmd.Flags().StringVar(&mkimageApp, "app", "", "application image to write into the first slot")
	mkimageCmd.Flags().StringVar(&mkimageBootloader, "bootloader", "", "bootloader image to write at the bootloader offset")
}

func runMkimage() error {
	size, err := humanize.ParseBytes(mkimageSize)
	if err != nil {
		return fmt.Errorf("invalid flash size %q: %w", mkimageSize, err)
	}
	if size > uint64(^uint32(0)) {
		return fmt.Errorf("flash size %s exceeds the 32-bit address space", mkimageSize)
	}

	layout, err := partitiontable.DefaultLayout(uint32(size))
	if err != nil {
		return err
	}

	out := mkimageOut
	if out == "" {
		out = cfg.ImagePath
	}
	flash, err := device.CreateFile(out, uint32(size))
	if err != nil {
		return err
	}
	defer flash.Close()

	if err := partitiontable.Write(flash, cfg.PartitionTableOffset, layout); err != nil {
		return err
	}
	if mkimageBootloader != "" {
		if err := programFile(flash, mkimageBootloader, cfg.BootloaderOffset, cfg.BootloaderSize); err != nil {
			return err
		}
	}
	if mkimageApp != "" {
		if err := writeInitialApp(flash, mkimageApp); err != nil {
			return err
		}
	}
	if err := flash.Sync(); err != nil {
		return err
	}

	logger.Info("flash image created", "path", out, "size", humanize.IBytes(size))
	infos := make([]services.PartitionInfo, 0, len(layout))
	for _, p := range layout {
		infos = append(infos, services.PartitionInfo{PartitionDescriptor: p})
	}
	return formatOutput(stdout, outputFormat, infos, func(w io.Writer) error {
		return formatPartitionTable(w, infos)
	})
}

// writeInitialApp writes an application image into the first application
// slot through the image writer, so the header check applies
func writeInitialApp(flash *device.Flash, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read application image: %w", err)
	}

	dir := services.NewDirectory(flash, cfg.PartitionTableOffset, logger)
	slot, ok := dir.FindFirst(types.KindApplication, types.SubtypeAny, "")
	if !ok {
		return fmt.Errorf("%w: no application partition in layout", services.ErrPartitionNotFound)
	}

	handle, err := services.NewOTAImageWriter(flash, logger).Begin(slot, uint32(len(data)))
	if err != nil {
		return err
	}
	if err := handle.Write(data); err != nil {
		handle.Abort()
		return err
	}
	return handle.End()
}

// programFile writes a file into a raw region
func programFile(flash *device.Flash, path string, offset, limit uint32) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if uint64(len(data)) > uint64(limit) {
		return fmt.Errorf("%s is %d bytes, the region holds %d", path, len(data), limit)
	}
	if _, err := flash.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
