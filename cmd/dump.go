package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"

	"github.com/deploymenttheory/go-fwdl/internal/server/api"
	"github.com/deploymenttheory/go-fwdl/internal/services"
)

var (
	dumpOut      string
	dumpSecure   bool
	dumpLabel    string
	dumpBoot     bool
	dumpCompress string
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Write a flash range to a file",
	Long: `Write the whole flash, one partition or the bootloader region to a file,
the same bytes the HTTP downloads serve.

Examples:
  # Full flash with the configured redaction regions blanked
  fwdl dump --image flash.bin --secure --out clone_secure.bin

  # One partition, zstd compressed
  fwdl dump --image flash.bin --label app0 --compress zstd --out app0.bin.zst`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(cmd)
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)

	dumpCmd.Flags().StringVar(&dumpOut, "out", "", "output file (default: the download file name)")
	dumpCmd.Flags().BoolVar(&dumpSecure, "secure", false, "blank the redaction regions")
	dumpCmd.Flags().StringVar(&dumpLabel, "label", "", "dump a single partition")
	dumpCmd.Flags().BoolVar(&dumpBoot, "boot", false, "dump the bootloader region")
	dumpCmd.Flags().StringVar(&dumpCompress, "compress", "", "compress the output (zstd, lz4)")

	dumpCmd.MarkFlagsMutuallyExclusive("label", "boot")
}

func runDump(cmd *cobra.Command) error {
	flash, factory, err := openServices(true)
	if err != nil {
		return err
	}
	defer flash.Close()

	reader, err := factory.Reader()
	if err != nil {
		return err
	}

	name := cfg.DumpFilename
	base, length := uint32(0), reader.Size()
	var opts []services.StreamOption

	switch {
	case dumpLabel != "":
		dir, err := factory.Directory()
		if err != nil {
			return err
		}
		part, ok := dir.FindByLabel(dumpLabel)
		if !ok {
			return fmt.Errorf("%w: %q", services.ErrPartitionNotFound, dumpLabel)
		}
		name, base, length = part.Label+".bin", part.Address, part.Size
	case dumpBoot:
		name, base, length = "bootloader.bin", cfg.BootloaderOffset, cfg.BootloaderSize
	}

	if dumpSecure {
		mask, err := factory.Mask()
		if err != nil {
			return err
		}
		opts = append(opts, services.WithMask(mask))
		for _, region := range mask.Regions() {
			logger.Info("redacting", "region", region.Description,
				"offset", fmt.Sprintf("0x%08X", region.Offset), "length", region.Length)
		}
	}

	watchdog, err := factory.Watchdog()
	if err != nil {
		return err
	}
	opts = append(opts,
		services.WithChunkSize(cfg.ChunkSize),
		services.WithYieldEvery(cfg.YieldEvery),
		services.WithWatchdog(watchdog),
		services.WithLogger(logger),
		services.WithName(name),
	)
	stream, err := services.NewStreamer(reader, base, length, opts...)
	if err != nil {
		return err
	}

	out := dumpOut
	if out == "" {
		out = name
	}
	file, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	enc, err := api.NewEncoder(dumpCompress, file)
	if err != nil {
		return err
	}

	hasher := blake3.New()
	written, err := stream.Copy(cmd.Context(), io.MultiWriter(hasher, enc))
	if err != nil {
		return fmt.Errorf("failed to dump 0x%08X+0x%X: %w", base, length, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finish %s stream: %w", dumpCompress, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}

	if !quiet {
		fmt.Fprintf(stdout, "Wrote %s (%s) to %s\nblake3 %s\n",
			humanize.IBytes(uint64(written)), humanize.Comma(written), out, hex.EncodeToString(hasher.Sum(nil)))
	}
	return nil
}
