package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-fwdl/internal/services"
)

var (
	digestLabel  string
	digestOffset uint32
	digestLength uint32
	digestSecure bool
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Print the BLAKE3 digest of a partition or range",
	Long: `Hash a partition or an address range of the flash image with BLAKE3.
The digest matches the X-Content-Blake3 trailer of the corresponding
download.

Examples:
  fwdl digest --image flash.bin --label app0
  fwdl digest --image flash.bin --offset 0x1000 --length 0x7000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		flash, factory, err := openServices(true)
		if err != nil {
			return err
		}
		defer flash.Close()

		reader, err := factory.Reader()
		if err != nil {
			return err
		}

		name := "flash"
		base, length := digestOffset, digestLength
		if digestLabel != "" {
			dir, err := factory.Directory()
			if err != nil {
				return err
			}
			part, ok := dir.FindByLabel(digestLabel)
			if !ok {
				return fmt.Errorf("%w: %q", services.ErrPartitionNotFound, digestLabel)
			}
			name, base, length = part.Label, part.Address, part.Size
		} else if length == 0 {
			if base > reader.Size() {
				return fmt.Errorf("%w: offset 0x%X past the end of flash", services.ErrInvalidParameter, base)
			}
			length = reader.Size() - base
		}

		opts := []services.StreamOption{services.WithChunkSize(cfg.ChunkSize), services.WithName("digest:" + name)}
		if digestSecure {
			mask, err := factory.Mask()
			if err != nil {
				return err
			}
			opts = append(opts, services.WithMask(mask))
		}

		digest, err := services.DigestRange(cmd.Context(), reader, base, length, opts...)
		if err != nil {
			return err
		}

		result := map[string]interface{}{
			"name":   name,
			"offset": base,
			"length": length,
			"blake3": digest.String(),
		}
		return formatOutput(stdout, outputFormat, result, func(w io.Writer) error {
			fmt.Fprintf(w, "%s  %s (0x%08X+0x%X)\n", digest, name, base, length)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(digestCmd)

	digestCmd.Flags().StringVar(&digestLabel, "label", "", "partition to hash")
	digestCmd.Flags().Uint32Var(&digestOffset, "offset", 0, "start address")
	digestCmd.Flags().Uint32Var(&digestLength, "length", 0, "number of bytes (default: to the end of flash)")
	digestCmd.Flags().BoolVar(&digestSecure, "secure", false, "hash with the redaction regions blanked")

	digestCmd.MarkFlagsMutuallyExclusive("label", "offset")
}
