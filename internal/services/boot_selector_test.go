package services

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deploymenttheory/go-fwdl/internal/device"
	"github.com/deploymenttheory/go-fwdl/internal/parsers/partitiontable"
	"github.com/deploymenttheory/go-fwdl/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivate(t *testing.T) {
	tests := []struct {
		name        string
		label       string
		imageInApp1 bool
		expectLabel string
		expectErr   error
	}{
		{name: "valid slot", label: "app1", imageInApp1: true, expectLabel: "app1"},
		{name: "alternate slot", label: "", imageInApp1: true, expectLabel: "app1"},
		{name: "labels are case sensitive", label: "APP1", imageInApp1: true, expectErr: ErrPartitionNotFound},
		{name: "running slot", label: "app0", imageInApp1: true, expectErr: ErrActiveSlotConflict},
		{name: "empty slot", label: "app1", expectErr: ErrPartitionInvalid},
		{name: "unknown label", label: "app7", expectErr: ErrPartitionNotFound},
		{name: "data partition label", label: "nvs", expectErr: ErrPartitionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, newTestFlash(t))
			program(t, env.flash, app0Addr, testImage(256, 1))
			if tt.imageInApp1 {
				program(t, env.flash, app1Addr, testImage(256, 2))
			}

			target, err := env.boot.ActivateLabel(tt.label)

			if tt.expectErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.expectErr), "got %v", err)
				assert.Equal(t, 0, env.restarter.count())
				booted, err := env.pointer.BootPartition()
				require.NoError(t, err)
				assert.Equal(t, "app0", booted.Label, "a rejected activation leaves the boot pointer alone")
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectLabel, target.Label)
			assert.Equal(t, []time.Duration{time.Second}, env.restarter.delays)

			booted, err := env.pointer.BootPartition()
			require.NoError(t, err)
			assert.Equal(t, tt.expectLabel, booted.Label)
		})
	}
}

func TestActivateRejectsDataPartition(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))
	err := env.boot.Activate(env.partition(t, "spiffs"))
	assert.True(t, errors.Is(err, ErrInvalidParameter))
}

func TestSetBootPartitionRefusesRunning(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))
	err := env.boot.SetBootPartition(env.partition(t, "app0"))
	assert.True(t, errors.Is(err, ErrActiveSlotConflict))
}

func TestIsValidImage(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))
	app1 := env.partition(t, "app1")

	assert.False(t, env.boot.IsValidImage(app1))
	program(t, env.flash, app1Addr, []byte{types.ImageHeaderMagic})
	assert.True(t, env.boot.IsValidImage(app1))

	faulty := &faultyFlash{Flash: env.flash, from: app1Addr, to: app1Addr + 1, failReads: true}
	selector := NewBootSelector(env.dir, NewFlashReader(faulty), env.pointer, env.restarter, 0, nil)
	assert.False(t, selector.IsValidImage(app1), "an unreadable header is not a valid image")
}

func TestAlternateSlot(t *testing.T) {
	flash := device.NewMemory(testFlashSize)
	layout := []types.PartitionDescriptor{
		{Label: "otadata", Kind: types.KindData, Subtype: types.SubtypeDataOTA, Address: 0xE000, Size: 0x2000},
		{Label: "ota_0", Kind: types.KindApplication, Subtype: types.SubtypeAppOTA(0), Address: 0x110000, Size: 0x100000},
		{Label: "ota_1", Kind: types.KindApplication, Subtype: types.SubtypeAppOTA(1), Address: 0x210000, Size: 0x100000},
		{Label: "ota_2", Kind: types.KindApplication, Subtype: types.SubtypeAppOTA(2), Address: 0x10000, Size: 0x100000},
	}
	require.NoError(t, partitiontable.Write(flash, types.PartitionTableOffset, layout))

	dir := NewDirectory(flash, types.PartitionTableOffset, nil)
	pointer := NewOTABootPointer(flash, dir, nil)
	require.NoError(t, dir.Boot(pointer))
	assert.Equal(t, "ota_0", dir.RunningApplicationPartition().Label, "erased otadata boots the first listed slot")

	alt, err := AlternateSlot(dir)
	require.NoError(t, err)
	assert.Equal(t, "ota_2", alt.Label, "lowest address that is not running, regardless of table order")

	require.NoError(t, pointer.SetBootPartition(layout[3]))
	require.NoError(t, dir.Boot(pointer))
	assert.Equal(t, "ota_2", dir.RunningApplicationPartition().Label)
	alt, err = AlternateSlot(dir)
	require.NoError(t, err)
	assert.Equal(t, "ota_0", alt.Label)
}

func TestAlternateSlotSingleApp(t *testing.T) {
	flash := device.NewMemory(testFlashSize)
	layout := []types.PartitionDescriptor{
		{Label: "factory", Kind: types.KindApplication, Subtype: types.SubtypeAppFactory, Address: 0x10000, Size: 0x100000},
	}
	require.NoError(t, partitiontable.Write(flash, types.PartitionTableOffset, layout))

	dir := NewDirectory(flash, types.PartitionTableOffset, nil)
	require.NoError(t, dir.Boot(NewOTABootPointer(flash, dir, nil)))

	_, err := AlternateSlot(dir)
	assert.True(t, errors.Is(err, ErrNoAlternateSlot))
}

func TestRebootScheduler(t *testing.T) {
	env := newTestEnv(t, newTestFlash(t))
	scheduler := NewRebootScheduler(env.dir, env.pointer, nil)

	var restarts atomic.Int32
	var lastLabel atomic.Value
	scheduler.OnRestart(func(running types.PartitionDescriptor) {
		restarts.Add(1)
		lastLabel.Store(running.Label)
	})

	require.NoError(t, env.pointer.SetBootPartition(env.partition(t, "app1")))
	scheduler.ScheduleRestart(10 * time.Millisecond)
	assert.True(t, scheduler.Pending())

	require.Eventually(t, func() bool { return restarts.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, scheduler.Pending())
	assert.Equal(t, "app1", lastLabel.Load())
	assert.Equal(t, "app1", env.dir.RunningApplicationPartition().Label)

	// RestartNow cancels a pending restart
	scheduler.ScheduleRestart(time.Hour)
	require.NoError(t, scheduler.RestartNow())
	assert.False(t, scheduler.Pending())
	assert.Equal(t, int32(2), restarts.Load())
}

func TestWatchdogStatus(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	wd := NewWatchdog()
	wd.now = func() time.Time { return now }

	wd.Enter()
	wd.Feed()
	status := wd.Status(time.Second)
	assert.Equal(t, 1, status.ActiveLoops)
	assert.Equal(t, uint64(1), status.Feeds)
	assert.False(t, status.Stalled)

	now = now.Add(2 * time.Second)
	assert.True(t, wd.Status(time.Second).Stalled)

	wd.Leave()
	assert.False(t, wd.Status(time.Second).Stalled, "idle loops never stall")
	wd.Leave()
	assert.Equal(t, 0, wd.Status(time.Second).ActiveLoops)
}
