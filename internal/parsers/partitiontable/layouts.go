package partitiontable

import (
	"fmt"

	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// DefaultLayout returns the two-slot OTA layout used by Arduino ESP32 boards
// for a 4 MiB flash, with the data area grown or shrunk to fit flashSize.
func DefaultLayout(flashSize uint32) ([]types.PartitionDescriptor, error) {
	const (
		appSize      = 0x140000
		coredumpSize = 0x10000
		dataStart    = 0x290000
	)
	if flashSize < dataStart+coredumpSize+types.SectorSize {
		return nil, fmt.Errorf("flash size %d is too small for the default layout", flashSize)
	}

	spiffsSize := flashSize - coredumpSize - dataStart
	return []types.PartitionDescriptor{
		{Label: "nvs", Kind: types.KindData, Subtype: types.SubtypeDataNVS, Address: 0x9000, Size: 0x5000},
		{Label: "otadata", Kind: types.KindData, Subtype: types.SubtypeDataOTA, Address: 0xE000, Size: 0x2000},
		{Label: "app0", Kind: types.KindApplication, Subtype: types.SubtypeAppOTA(0), Address: 0x10000, Size: appSize},
		{Label: "app1", Kind: types.KindApplication, Subtype: types.SubtypeAppOTA(1), Address: 0x10000 + appSize, Size: appSize},
		{Label: "spiffs", Kind: types.KindData, Subtype: types.SubtypeDataSPIFFS, Address: dataStart, Size: spiffsSize},
		{Label: "coredump", Kind: types.KindData, Subtype: types.SubtypeDataCoredump, Address: dataStart + spiffsSize, Size: coredumpSize},
	}, nil
}
