package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/deploymenttheory/go-fwdl/internal/device"
	"github.com/deploymenttheory/go-fwdl/internal/services"
)

// formatOutput writes v as JSON or YAML, or calls table for the table format
func formatOutput(w io.Writer, format string, v interface{}, table func(io.Writer) error) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		encoder.SetIndent(2)
		return encoder.Encode(v)
	case "table":
		return table(w)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// formatPartitionTable prints the partition map
func formatPartitionTable(w io.Writer, infos []services.PartitionInfo) error {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No partitions found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "LABEL\tKIND\tSUBTYPE\tOFFSET\tSIZE\tSTATE\n")
	fmt.Fprintf(tw, "-----\t----\t-------\t------\t----\t-----\n")
	for _, p := range infos {
		state := ""
		switch {
		case p.Running:
			state = "running"
		case p.ValidImage:
			state = "valid image"
		}
		fmt.Fprintf(tw, "%s\t%s\t0x%02x\t0x%08X\t%s\t%s\n",
			p.Label, p.Kind, uint8(p.Subtype), p.Address, humanize.IBytes(uint64(p.Size)), state)
	}
	return tw.Flush()
}

// openDevice opens the configured flash image
func openDevice(readOnly bool) (*device.Flash, error) {
	flash, err := device.OpenFile(cfg.ImagePath, readOnly || cfg.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}
	logger.Debug("opened flash image", "path", cfg.ImagePath, "size", humanize.IBytes(uint64(flash.Size())))
	return flash, nil
}

// openServices opens the flash image and wires the services on top of it.
// The caller closes the returned device.
func openServices(readOnly bool) (*device.Flash, *services.ServiceFactory, error) {
	flash, err := openDevice(readOnly)
	if err != nil {
		return nil, nil, err
	}
	factory := services.NewServiceFactory(cfg, flash, logger)
	if err := factory.Initialize(); err != nil {
		flash.Close()
		return nil, nil, err
	}
	return flash, factory, nil
}

// stdout is where command results go; logs go to stderr
var stdout io.Writer = os.Stdout
