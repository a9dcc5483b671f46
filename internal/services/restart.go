package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// RebootScheduler emulates a device reset: after the delay the directory
// re-resolves the running partition from the boot pointer.
type RebootScheduler struct {
	dir     *Directory
	pointer interfaces.BootPointer
	logger  *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	hooks []func(types.PartitionDescriptor)
}

// Compile-time check
var _ interfaces.Restarter = (*RebootScheduler)(nil)

// NewRebootScheduler creates a scheduler that reboots dir from pointer
func NewRebootScheduler(dir *Directory, pointer interfaces.BootPointer, logger *slog.Logger) *RebootScheduler {
	return &RebootScheduler{dir: dir, pointer: pointer, logger: componentLogger(logger, "restart")}
}

// OnRestart registers fn to run after every completed restart
func (r *RebootScheduler) OnRestart(fn func(running types.PartitionDescriptor)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// ScheduleRestart restarts after delay. A restart already pending is rescheduled.
func (r *RebootScheduler) ScheduleRestart(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.logger.Info("restart scheduled", "delay", delay)
	r.timer = time.AfterFunc(delay, func() {
		if err := r.RestartNow(); err != nil {
			r.logger.Error("restart failed", "error", err)
		}
	})
}

// Pending reports whether a scheduled restart has not fired yet
func (r *RebootScheduler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// RestartNow performs the restart synchronously and cancels a pending one
func (r *RebootScheduler) RestartNow() error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	hooks := append([]func(types.PartitionDescriptor){}, r.hooks...)
	r.mu.Unlock()

	r.logger.Info("restarting device")
	if err := r.dir.Boot(r.pointer); err != nil {
		return err
	}

	running := r.dir.RunningApplicationPartition()
	for _, fn := range hooks {
		fn(running)
	}
	return nil
}
