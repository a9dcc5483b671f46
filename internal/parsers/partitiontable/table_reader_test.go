package partitiontable

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/deploymenttheory/go-fwdl/internal/device"
	"github.com/deploymenttheory/go-fwdl/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFlashSize = 4 << 20

func testLayout(t *testing.T) []types.PartitionDescriptor {
	t.Helper()
	layout, err := DefaultLayout(testFlashSize)
	require.NoError(t, err)
	return layout
}

func TestEncodeParseDefaultLayout(t *testing.T) {
	layout := testLayout(t)

	table, err := Encode(layout, true)
	require.NoError(t, err)
	assert.Len(t, table, types.PartitionTableMaxSize)

	// First entry starts with AA 50 on flash
	assert.Equal(t, []byte{0xAA, 0x50}, table[0:2])
	// MD5 entry follows the last partition
	md5At := len(layout) * entrySize
	assert.Equal(t, []byte{0xEB, 0xEB}, table[md5At:md5At+2])
	// Erased padding after the MD5 entry
	assert.Equal(t, []byte{0xFF, 0xFF}, table[md5At+entrySize:md5At+entrySize+2])

	parsed, err := Parse(table)
	require.NoError(t, err)
	assert.Equal(t, layout, parsed)
}

func TestParse(t *testing.T) {
	layout := testLayout(t)

	withMD5, err := Encode(layout, true)
	require.NoError(t, err)

	corrupted := bytes.Clone(withMD5)
	corrupted[4] ^= 0x01 // first partition offset

	badMagic := bytes.Clone(withMD5)
	binary.LittleEndian.PutUint16(badMagic[entrySize:], 0x1234)

	tests := []struct {
		name        string
		data        []byte
		expectCount int
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid table with md5",
			data:        withMD5,
			expectCount: len(layout),
		},
		{
			name:        "erased table",
			data:        bytes.Repeat([]byte{0xFF}, types.PartitionTableMaxSize),
			expectCount: 0,
		},
		{
			name:        "md5 mismatch",
			data:        corrupted,
			expectError: true,
			errorMsg:    "MD5 mismatch",
		},
		{
			name:        "invalid magic",
			data:        badMagic,
			expectError: true,
			errorMsg:    "invalid magic 0x1234 at partition entry 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, err := Parse(tt.data)

			if tt.expectError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				assert.Nil(t, parts)
			} else {
				assert.NoError(t, err)
				assert.Len(t, parts, tt.expectCount)
			}
		})
	}
}

func TestParseWithoutMD5(t *testing.T) {
	layout := testLayout(t)
	table, err := Encode(layout, false)
	require.NoError(t, err)

	parts, err := Parse(table)
	require.NoError(t, err)
	assert.Equal(t, layout, parts)
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name     string
		parts    []types.PartitionDescriptor
		errorMsg string
	}{
		{
			name:     "label too long",
			parts:    []types.PartitionDescriptor{{Label: "a-very-long-label", Kind: types.KindData, Subtype: types.SubtypeDataNVS, Address: 0x9000, Size: 0x1000}},
			errorMsg: "exceeds 15 characters",
		},
		{
			name:     "wildcard kind",
			parts:    []types.PartitionDescriptor{{Label: "any", Kind: types.KindAny, Subtype: types.SubtypeDataNVS, Address: 0x9000, Size: 0x1000}},
			errorMsg: "wildcard",
		},
		{
			name:     "too many partitions",
			parts:    make([]types.PartitionDescriptor, MaxEntries+1),
			errorMsg: "too many partitions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.parts, true)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestValidate(t *testing.T) {
	app := func(label string, addr, size uint32) types.PartitionDescriptor {
		return types.PartitionDescriptor{Label: label, Kind: types.KindApplication, Subtype: types.SubtypeAppOTA(0), Address: addr, Size: size}
	}

	tests := []struct {
		name     string
		parts    []types.PartitionDescriptor
		errorMsg string
	}{
		{name: "default layout", parts: testLayout(t)},
		{name: "zero size", parts: []types.PartitionDescriptor{app("app0", 0x10000, 0)}, errorMsg: "zero size"},
		{name: "past end of flash", parts: []types.PartitionDescriptor{app("app0", 0x3F0000, 0x20000)}, errorMsg: "ends past"},
		{name: "unaligned app", parts: []types.PartitionDescriptor{app("app0", 0x11000, 0x10000)}, errorMsg: "64 KiB aligned"},
		{
			name:     "overlap",
			parts:    []types.PartitionDescriptor{app("app0", 0x10000, 0x20000), app("app1", 0x20000, 0x20000)},
			errorMsg: "overlap",
		},
		{
			name:     "duplicate label",
			parts:    []types.PartitionDescriptor{app("app0", 0x10000, 0x10000), app("APP0", 0x20000, 0x10000)},
			errorMsg: "duplicate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.parts, testFlashSize)
			if tt.errorMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestWriteAndRead(t *testing.T) {
	flash := device.NewMemory(testFlashSize)
	layout := testLayout(t)

	require.NoError(t, Write(flash, types.PartitionTableOffset, layout))

	parts, err := Read(flash, types.PartitionTableOffset)
	require.NoError(t, err)
	assert.Equal(t, layout, parts)

	// Rewriting erases the old table first
	shrunk := layout[:3]
	require.NoError(t, Write(flash, types.PartitionTableOffset, shrunk))
	parts, err = Read(flash, types.PartitionTableOffset)
	require.NoError(t, err)
	assert.Equal(t, shrunk, parts)
}

func TestWriteRejectsPartitionOverTable(t *testing.T) {
	flash := device.NewMemory(testFlashSize)
	parts := []types.PartitionDescriptor{
		{Label: "nvs", Kind: types.KindData, Subtype: types.SubtypeDataNVS, Address: 0x8000, Size: 0x2000},
	}

	err := Write(flash, types.PartitionTableOffset, parts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps the partition table")
}

func TestDefaultLayout(t *testing.T) {
	layout := testLayout(t)
	require.NoError(t, Validate(layout, testFlashSize))

	last := layout[len(layout)-1]
	assert.Equal(t, "coredump", last.Label)
	assert.Equal(t, uint32(testFlashSize), last.End())

	_, err := DefaultLayout(1 << 20)
	assert.Error(t, err)
}
