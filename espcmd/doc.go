// Package espcmd builds the command lines for the esptool flashing tool and
// the espefuse fuse tool, and runs them through an interfaces.ProcessRunner.
//
// Basic usage:
//
//	tools := espcmd.Tools{Python: "python", Esptool: "esptool.py", Espefuse: "espefuse.py"}
//	cmd := tools.WriteFlash(espcmd.FlashOpts{
//		Port:   "/dev/ttyUSB0",
//		Baud:   espcmd.DefaultBaud,
//		Chip:   espcmd.DefaultChip,
//		Images: espcmd.DefaultImages("bootloader.bin", "partition-table.bin", "app.bin"),
//	})
//	res, err := espcmd.Check(ctx, &espcmd.ExecRunner{}, "esptool", cmd)
package espcmd
