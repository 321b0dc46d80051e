package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/esp-provisioning-station/interfaces"
	"github.com/ruteri/esp-provisioning-station/provisioner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func testApp(out *bytes.Buffer) *cli.App {
	return newApp(out, func(int) {})
}

func writeSerial(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serial_number.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDryRun(t *testing.T) {
	serial := writeSerial(t, "000004D2")
	var out bytes.Buffer

	err := testApp(&out).Run([]string{"esp-provision", "run", "--dry-run", "--port", "COM9", "--serial-file", serial})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "would run: python esptool.py --port COM9 --baud 1152000 --chip esp32c3 write_flash 0x0 bootloader.bin 0x8000 partition-table.bin 0x10000 firmware.bin")
	assert.Contains(t, out.String(), "espefuse.py --port COM9 --chip esp32c3 burn_block_data --offset 28 BLOCK3 ")
	assert.Contains(t, out.String(), "outcome:  dry-run")

	data, err := os.ReadFile(serial)
	require.NoError(t, err)
	assert.Equal(t, "000004D2", string(data))
}

func TestDryRunBitBurn(t *testing.T) {
	serial := writeSerial(t, "000004D2")
	var out bytes.Buffer

	err := testApp(&out).Run([]string{"esp-provision", "run", "--dry-run", "--port", "COM9", "--strategy", "bit-burn", "--serial-file", serial})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "burn_bit BLOCK3 1 4 6 7 10")
}

func TestDefaultCommandIsRun(t *testing.T) {
	serial := writeSerial(t, "000004D2")
	var out bytes.Buffer

	err := testApp(&out).Run([]string{"esp-provision", "--dry-run", "-p", "/dev/ttyUSB0", "--serial-file", serial})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "--port /dev/ttyUSB0")
}

func TestRunWithoutPortFails(t *testing.T) {
	var out bytes.Buffer
	code := 0
	app := newApp(&out, func(c int) { code = c })

	err := app.Run([]string{"esp-provision", "run", "--dry-run", "--serial-file", writeSerial(t, "1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device port is required")
	assert.Contains(t, out.String(), "device port is required", "failures are reported on standard output")
	assert.Equal(t, 1, code)
}

func TestAbortReportedOnOutput(t *testing.T) {
	var out bytes.Buffer
	code := 0
	app := newApp(&out, func(c int) { code = c })

	err := app.Run([]string{"esp-provision", "run", "--dry-run", "--port", "COM9", "--serial-file", writeSerial(t, "FFFFFFFF")})
	require.Error(t, err)
	assert.Contains(t, out.String(), "provisioning aborted")
	assert.Contains(t, out.String(), "outcome:  aborted")
	assert.Equal(t, 1, code)
}

func TestBits(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"bits", "000004D2"}, "1 4 6 7 10\n"},
		{[]string{"bits", "0"}, "\n"},
		{[]string{"bits", "--width", "64", "8000000000000001"}, "0 63\n"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		require.NoError(t, testApp(&out).Run(append([]string{"esp-provision"}, tt.args...)))
		assert.Equal(t, tt.want, out.String(), tt.args)
	}

	var out bytes.Buffer
	assert.Error(t, testApp(&out).Run([]string{"esp-provision", "bits", "100000000"}))
}

func TestShow(t *testing.T) {
	var out bytes.Buffer
	err := testApp(&out).Run([]string{"esp-provision", "show", "--serial-file", writeSerial(t, " 000000ff\n")})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "serial: 000000FF")
	assert.Contains(t, out.String(), "next:   00000100")

	out.Reset()
	err = testApp(&out).Run([]string{"esp-provision", "show", "--serial-file", writeSerial(t, "FFFFFFFF")})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "next:   exhausted")
}

func TestStationFilePrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "station.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: COM3
strategy: byte-block
firmware: app.bin
record_stores:
  - file:///var/lib/records
`), 0644))

	var got *station
	app := &cli.App{
		Flags: newStationFlags(),
		Action: func(cCtx *cli.Context) error {
			var err error
			got, err = loadStation(cCtx)
			return err
		},
	}

	require.NoError(t, app.Run([]string{"x", "--config", path, "--port", "COM9"}))
	assert.Equal(t, "COM9", got.cfg.Port, "explicit flag wins")
	assert.Equal(t, interfaces.ByteBlockWrite, got.cfg.Strategy, "station file beats flag default")
	assert.Equal(t, "app.bin", got.cfg.Firmware)
	assert.Equal(t, provisioner.DefaultConfig().Bootloader, got.cfg.Bootloader)
	assert.Equal(t, []string{"file:///var/lib/records"}, got.recordStores)

	require.NoError(t, app.Run([]string{"x", "--config", path, "--strategy", "bit-burn", "--record-store", "ipfs://127.0.0.1:5001"}))
	assert.Equal(t, interfaces.BitBurn, got.cfg.Strategy)
	assert.Equal(t, []string{"ipfs://127.0.0.1:5001"}, got.recordStores)
}
