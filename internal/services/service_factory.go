package services

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/deploymenttheory/go-fwdl/internal/device"
	"github.com/deploymenttheory/go-fwdl/internal/interfaces"
	"github.com/deploymenttheory/go-fwdl/internal/types"
)

// ServiceFactory wires the flash services for one device and boots it
type ServiceFactory struct {
	config *device.Config
	device interfaces.FlashDevice
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool

	directory *Directory
	reader    *FlashReader
	pointer   *OTABootPointer
	images    *OTAImageWriter
	mask      *RedactionMask
	watchdog  *Watchdog
	restarter *RebootScheduler
	boot      *BootSelector
	uploader  *Uploader
	cloner    *SlotCloner
}

// NewServiceFactory creates a new service factory instance
func NewServiceFactory(config *device.Config, dev interfaces.FlashDevice, logger *slog.Logger) *ServiceFactory {
	if logger == nil {
		logger = componentLogger(nil, "factory")
	}
	return &ServiceFactory{config: config, device: dev, logger: logger}
}

// Initialize creates all services with their dependencies and resolves the
// running partition. It is safe to call more than once.
func (sf *ServiceFactory) Initialize() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.initialized {
		return nil
	}

	cfg := sf.config

	// The directory is the foundation; everything else resolves partitions through it
	sf.directory = NewDirectory(sf.device, cfg.PartitionTableOffset, sf.logger)
	parts, err := sf.directory.Partitions()
	if err != nil {
		return fmt.Errorf("failed to read partition table: %w", err)
	}
	if len(parts) == 0 {
		return fmt.Errorf("%w: partition table at 0x%X is empty", ErrPartitionNotFound, cfg.PartitionTableOffset)
	}

	sf.reader = NewFlashReader(sf.device)
	sf.pointer = NewOTABootPointer(sf.device, sf.directory, sf.logger)
	sf.images = NewOTAImageWriter(sf.device, sf.logger)
	sf.watchdog = NewWatchdog()
	sf.restarter = NewRebootScheduler(sf.directory, sf.pointer, sf.logger)
	sf.boot = NewBootSelector(sf.directory, sf.reader, sf.pointer, sf.restarter, cfg.RestartDelay, sf.logger)
	sf.uploader = NewUploader(sf.directory, sf.device, sf.images, sf.boot, sf.logger)
	sf.cloner = NewSlotCloner(sf.directory, sf.reader, sf.images, sf.boot, sf.uploader, cfg.ChunkSize, cfg.YieldEvery, sf.watchdog, sf.logger)

	if err := sf.directory.Boot(sf.pointer); err != nil {
		return fmt.Errorf("failed to boot device: %w", err)
	}

	sf.mask = NewRedactionMask(sf.logger)
	sf.configureRedaction()

	sf.initialized = true
	return nil
}

func (sf *ServiceFactory) configureRedaction() {
	if sf.config.RedactUserData && AutoRedactUserData(sf.directory, sf.mask) {
		return
	}
	if _, err := AutoRedactDataPartitions(sf.directory, sf.mask, sf.config.RedactLabels...); err != nil {
		sf.logger.Warn("redaction mask is full, some partitions stay visible", "error", err)
	}
}

func (sf *ServiceFactory) ensure() error {
	sf.mu.Lock()
	initialized := sf.initialized
	sf.mu.Unlock()
	if initialized {
		return nil
	}
	return sf.Initialize()
}

// Config returns the configuration the factory was built with
func (sf *ServiceFactory) Config() *device.Config {
	return sf.config
}

// Device returns the flash device
func (sf *ServiceFactory) Device() interfaces.FlashDevice {
	return sf.device
}

// Directory returns the partition directory
func (sf *ServiceFactory) Directory() (*Directory, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.directory, nil
}

// Reader returns the address space reader
func (sf *ServiceFactory) Reader() (*FlashReader, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.reader, nil
}

// BootPointer returns the otadata backed boot pointer
func (sf *ServiceFactory) BootPointer() (*OTABootPointer, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.pointer, nil
}

// Mask returns the shared redaction mask. Streams clone it.
func (sf *ServiceFactory) Mask() (*RedactionMask, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.mask, nil
}

// Watchdog returns the watchdog fed by streaming loops
func (sf *ServiceFactory) Watchdog() (*Watchdog, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.watchdog, nil
}

// Restarter returns the reboot scheduler
func (sf *ServiceFactory) Restarter() (*RebootScheduler, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.restarter, nil
}

// BootSelector returns the boot selector
func (sf *ServiceFactory) BootSelector() (*BootSelector, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.boot, nil
}

// Uploader returns the uploader
func (sf *ServiceFactory) Uploader() (*Uploader, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.uploader, nil
}

// Cloner returns the slot cloner
func (sf *ServiceFactory) Cloner() (*SlotCloner, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	return sf.cloner, nil
}

// PartitionInfo is a partition with its runtime state, as shown by the
// partition map
type PartitionInfo struct {
	types.PartitionDescriptor `yaml:",inline"`
	Running                   bool `json:"running" yaml:"running"`
	ValidImage                bool `json:"valid_image" yaml:"valid_image"`
}

// PartitionMap lists every partition in table order with its running and
// image validity flags. Data partitions never carry a valid image.
func (sf *ServiceFactory) PartitionMap() ([]PartitionInfo, error) {
	if err := sf.ensure(); err != nil {
		return nil, err
	}
	parts, err := sf.directory.Partitions()
	if err != nil {
		return nil, err
	}

	infos := make([]PartitionInfo, 0, len(parts))
	for _, p := range parts {
		info := PartitionInfo{PartitionDescriptor: p, Running: sf.directory.IsRunning(p)}
		if p.Kind == types.KindApplication {
			info.ValidImage = sf.boot.IsValidImage(p)
		}
		infos = append(infos, info)
	}
	return infos, nil
}
