package services

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// MaxRedactionRegions is the capacity of a RedactionMask
const MaxRedactionRegions = 4

// UserDataLabel is the partition blanked by AutoRedactUserData
const UserDataLabel = "userdata"

// RedactionMask is an ordered, bounded set of address ranges whose bytes are
// replaced with 0xFF when streamed. Streams should work on a Clone so the
// configured mask can change while a download is running.
type RedactionMask struct {
	mu      sync.RWMutex
	regions []types.RedactionRegion
	logger  *slog.Logger
}

// NewRedactionMask creates an empty mask
func NewRedactionMask(logger *slog.Logger) *RedactionMask {
	return &RedactionMask{logger: componentLogger(logger, "redaction")}
}

// AddRegion appends a region. Once MaxRedactionRegions are held the region is
// dropped and ErrCapacityExceeded returned; the accepted regions stay in effect.
func (m *RedactionMask) AddRegion(offset, length uint32, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	region := types.RedactionRegion{Offset: offset, Length: length, Description: description}
	if len(m.regions) >= MaxRedactionRegions {
		m.logger.Warn("redaction region dropped, table full",
			"description", description,
			"offset", fmt.Sprintf("0x%08X", offset),
			"capacity", MaxRedactionRegions,
		)
		return fmt.Errorf("%w: cannot add %q", ErrCapacityExceeded, description)
	}

	m.regions = append(m.regions, region)
	m.logger.Info("redaction region added",
		"description", description,
		"start", fmt.Sprintf("0x%08X", offset),
		"end", fmt.Sprintf("0x%08X", region.End()),
	)
	return nil
}

// SetSingle replaces every region with one "manual" region. A zero length
// clears the mask.
func (m *RedactionMask) SetSingle(offset, length uint32) {
	m.replace(types.RedactionRegion{Offset: offset, Length: length, Description: "manual"})
}

func (m *RedactionMask) replace(region types.RedactionRegion) {
	m.mu.Lock()
	m.regions = m.regions[:0]
	if region.Length > 0 {
		m.regions = append(m.regions, region)
	}
	m.mu.Unlock()

	m.logger.Info("redaction mask replaced",
		"description", region.Description,
		"start", fmt.Sprintf("0x%08X", region.Offset),
		"end", fmt.Sprintf("0x%08X", region.End()),
	)
}

// Clear removes every region
func (m *RedactionMask) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions = nil
}

// Len returns the number of regions held
func (m *RedactionMask) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.regions)
}

// Regions returns a copy of the regions in insertion order
func (m *RedactionMask) Regions() []types.RedactionRegion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.RedactionRegion(nil), m.regions...)
}

// Clone returns an independent copy of the mask
func (m *RedactionMask) Clone() *RedactionMask {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &RedactionMask{
		regions: append([]types.RedactionRegion(nil), m.regions...),
		logger:  m.logger,
	}
}

// Apply overwrites every byte of buf that falls inside a region with 0xFF.
// buf holds the flash contents starting at the absolute address chunkStart.
// It returns the number of bytes blanked, counting overlapping regions once
// per region.
func (m *RedactionMask) Apply(buf []byte, chunkStart uint32) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blanked := 0
	start := uint64(chunkStart)
	end := start + uint64(len(buf))

	for _, region := range m.regions {
		overlapStart := max(start, uint64(region.Offset))
		overlapEnd := min(end, region.End())
		if overlapStart >= overlapEnd {
			continue
		}
		sub := buf[overlapStart-start : overlapEnd-start]
		for i := range sub {
			sub[i] = types.ErasedByte
		}
		blanked += len(sub)

		m.logger.Debug("applied redaction region",
			"description", region.Description,
			"start", fmt.Sprintf("0x%08X", overlapStart),
			"end", fmt.Sprintf("0x%08X", overlapEnd),
		)
	}
	return blanked
}

// AutoRedactUserData replaces the mask with the data partition labelled
// "userdata". It reports whether the partition exists.
func AutoRedactUserData(dir interfaces.PartitionDirectory, mask *RedactionMask) bool {
	part, ok := dir.FindFirst(types.KindData, types.SubtypeAny, UserDataLabel)
	if !ok {
		mask.logger.Info("no user data partition found", "label", UserDataLabel)
		return false
	}
	mask.replace(types.RedactionRegion{Offset: part.Address, Length: part.Size, Description: UserDataLabel})
	return true
}

// AutoRedactDataPartitions appends a region for each data partition whose
// label is listed. It returns the number of regions added; a full mask is
// reported as ErrCapacityExceeded after the remaining labels were tried.
func AutoRedactDataPartitions(dir interfaces.PartitionDirectory, mask *RedactionMask, labels ...string) (int, error) {
	added := 0
	var capacityErr error
	for _, label := range labels {
		part, ok := dir.FindFirst(types.KindData, types.SubtypeAny, label)
		if !ok {
			continue
		}
		if err := mask.AddRegion(part.Address, part.Size, label); err != nil {
			capacityErr = err
			continue
		}
		added++
	}
	if added == 0 && capacityErr == nil {
		mask.logger.Info("no data partitions found for redaction", "labels", labels)
	}
	return added, capacityErr
}
