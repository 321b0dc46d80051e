package provisioner

import (
	"errors"
	"fmt"

	"github.com/ruteri/esp-provisioning-station/espcmd"
	"github.com/ruteri/esp-provisioning-station/interfaces"
)

// Config is everything one provisioning run needs to know about the
// station: the target device, the images, the token locations and the tools.
type Config struct {
	// Port is the serial port the device is attached to (COM9, /dev/ttyUSB0).
	Port string
	Chip string
	Baud int

	Tools espcmd.Tools

	Bootloader     string
	PartitionTable string
	Firmware       string

	// SerialLocation and KeyLocation are token store locations, see storage.StorageBackendFactory.
	SerialLocation string
	KeyLocation    string

	// Strategy selects how the serial reaches the fuses. ByteBlockWrite writes
	// the four serial bytes at SerialOffset (BLOCK3 bits 224..255 by default),
	// where the firmware reads them. The bit-burn strategies set positions
	// 0..31 of SerialBlock and need firmware that reads the serial there.
	Strategy interfaces.BurnStrategy

	// SerialBlock is the fuse block holding the serial number.
	SerialBlock string
	// SerialOffset is the byte offset of the serial within SerialBlock, used by ByteBlockWrite.
	SerialOffset int
	// KeyBlock is the fuse block receiving the key for BitBurnWithKey.
	KeyBlock string
	// KeyBits is the width of KeyBlock.
	KeyBits int

	// ForceBurn passes --force-write-always to the serial bit burn. Key burns are always forced.
	ForceBurn    bool
	DoNotConfirm bool

	// LenientSerial drops non-hex characters from the serial token instead of rejecting them.
	LenientSerial bool
	Overflow      interfaces.OverflowPolicy

	// ScratchDir receives the binary file used by ByteBlockWrite. Empty uses the OS temp dir.
	ScratchDir string

	// DryRun prints what would happen and never advances the serial counter.
	DryRun bool
}

// DefaultConfig returns the settings of the reference production line.
func DefaultConfig() Config {
	return Config{
		Chip: espcmd.DefaultChip,
		Baud: espcmd.DefaultBaud,
		Tools: espcmd.Tools{
			Python:   "python",
			Esptool:  "esptool.py",
			Espefuse: "espefuse.py",
		},
		Bootloader:     "bootloader.bin",
		PartitionTable: "partition-table.bin",
		Firmware:       "firmware.bin",
		SerialLocation: "serial_number.txt",
		Strategy:       interfaces.ByteBlockWrite,
		SerialBlock:    "BLOCK3",
		SerialOffset:   28,
		KeyBlock:       "BLOCK_KEY0",
		KeyBits:        256,
		LenientSerial:  true,
		Overflow:       interfaces.OverflowError,
	}
}

// Validate checks the configuration before any file or device is touched.
func (c Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("device port is required"))
	}
	if c.Chip == "" {
		errs = append(errs, errors.New("chip is required"))
	}
	if c.Baud <= 0 {
		errs = append(errs, fmt.Errorf("invalid baud rate %d", c.Baud))
	}
	if c.Tools.Esptool == "" || c.Tools.Espefuse == "" {
		errs = append(errs, errors.New("esptool and espefuse locations are required"))
	}
	if c.Firmware == "" || c.Bootloader == "" || c.PartitionTable == "" {
		errs = append(errs, errors.New("bootloader, partition table and firmware images are required"))
	}
	if c.SerialLocation == "" {
		errs = append(errs, errors.New("serial number location is required"))
	}
	if c.SerialBlock == "" {
		errs = append(errs, errors.New("serial fuse block is required"))
	}
	if c.Strategy == interfaces.ByteBlockWrite && c.SerialOffset < 0 {
		errs = append(errs, fmt.Errorf("invalid serial byte offset %d", c.SerialOffset))
	}
	if c.Strategy.BurnsKey() {
		if c.KeyLocation == "" {
			errs = append(errs, errors.New("key location is required for "+c.Strategy.String()))
		}
		if c.KeyBlock == "" || c.KeyBlock == c.SerialBlock {
			errs = append(errs, errors.New("key fuse block must be set and differ from the serial block"))
		}
		if c.KeyBits <= 0 {
			errs = append(errs, fmt.Errorf("invalid key width %d", c.KeyBits))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", interfaces.ErrConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) efuseOpts(force bool) espcmd.EfuseOpts {
	return espcmd.EfuseOpts{
		Port:             c.Port,
		Chip:             c.Chip,
		DoNotConfirm:     c.DoNotConfirm,
		ForceWriteAlways: force,
	}
}

func (c Config) flashOpts() espcmd.FlashOpts {
	return espcmd.FlashOpts{
		Port:   c.Port,
		Baud:   c.Baud,
		Chip:   c.Chip,
		Images: espcmd.DefaultImages(c.Bootloader, c.PartitionTable, c.Firmware),
	}
}
