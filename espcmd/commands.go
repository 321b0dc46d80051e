package espcmd

import (
	"fmt"

	"github.com/ruteri/esp-provisioning-station/interfaces"
)

const (
	DefaultBaud = 1152000
	DefaultChip = "esp32c3"

	BootloaderOffset     = 0x0
	PartitionTableOffset = 0x8000
	ApplicationOffset    = 0x10000
)

// Tools locates the flashing and fuse tools. When Python is set, the tools
// are treated as scripts and run through that interpreter.
type Tools struct {
	Python   string
	Esptool  string
	Espefuse string
}

// FlashImage is one image written at a flash offset.
type FlashImage struct {
	Offset uint32
	Path   string
}

// DefaultImages returns the bootloader, partition table and application at their standard offsets.
func DefaultImages(bootloader, partitionTable, application string) []FlashImage {
	return []FlashImage{
		{Offset: BootloaderOffset, Path: bootloader},
		{Offset: PartitionTableOffset, Path: partitionTable},
		{Offset: ApplicationOffset, Path: application},
	}
}

// FlashOpts describes a write_flash invocation.
type FlashOpts struct {
	Port   string
	Baud   int
	Chip   string
	Images []FlashImage
}

// EfuseOpts holds the fuse tool options shared by every burn sub-command.
type EfuseOpts struct {
	Port string
	Chip string
	// DoNotConfirm skips the interactive BURN prompt.
	DoNotConfirm bool
	// ForceWriteAlways burns even if the bits are already set or the block is write protected.
	ForceWriteAlways bool
}

func (t Tools) command(tool string, args ...string) interfaces.Command {
	if t.Python == "" {
		return interfaces.Command{Name: tool, Args: args}
	}
	return interfaces.Command{Name: t.Python, Args: append([]string{tool}, args...)}
}

// WriteFlash builds the esptool write_flash command.
func (t Tools) WriteFlash(o FlashOpts) interfaces.Command {
	args := []string{
		"--port", o.Port,
		"--baud", fmt.Sprintf("%d", o.Baud),
		"--chip", o.Chip,
		"write_flash",
	}
	for _, img := range o.Images {
		args = append(args, fmt.Sprintf("0x%X", img.Offset), img.Path)
	}
	return t.command(t.Esptool, args...)
}

func (t Tools) efuseArgs(o EfuseOpts) []string {
	args := []string{"--port", o.Port}
	if o.Chip != "" {
		args = append(args, "--chip", o.Chip)
	}
	if o.DoNotConfirm {
		args = append(args, "--do-not-confirm")
	}
	if o.ForceWriteAlways {
		args = append(args, "--force-write-always")
	}
	return args
}

// BurnBlockData builds the espefuse burn_block_data command writing file at a byte offset of block.
func (t Tools) BurnBlockData(o EfuseOpts, block string, offset int, file string) interfaces.Command {
	args := append(t.efuseArgs(o), "burn_block_data", "--offset", fmt.Sprintf("%d", offset), block, file)
	return t.command(t.Espefuse, args...)
}

// BurnBit builds the espefuse burn_bit command setting the given bit positions of block.
func (t Tools) BurnBit(o EfuseOpts, block string, bits []string) interfaces.Command {
	args := append(t.efuseArgs(o), "burn_bit", block)
	args = append(args, bits...)
	return t.command(t.Espefuse, args...)
}
