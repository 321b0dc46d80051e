package main

import (
	"fmt"
	"log/slog"

	"github.com/ruteri/esp-provisioning-station/config"
	"github.com/ruteri/esp-provisioning-station/interfaces"
	"github.com/ruteri/esp-provisioning-station/provisioner"
	"github.com/ruteri/esp-provisioning-station/storage"
	"github.com/urfave/cli/v2"
)

// newStationFlags returns the flags describing a station. Flags carry parse
// state, so every command gets its own set.
func newStationFlags() []cli.Flag {
	defaults := provisioner.DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "station YAML file; flags set explicitly take precedence",
			EnvVars: []string{"ESP_STATION_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "serial port of the device (COM9, /dev/ttyUSB0)",
			EnvVars: []string{"ESP_PORT"},
		},
		&cli.StringFlag{
			Name:  "chip",
			Value: defaults.Chip,
			Usage: "target chip",
		},
		&cli.IntFlag{
			Name:  "baud",
			Value: defaults.Baud,
			Usage: "flashing baud rate",
		},
		&cli.StringFlag{
			Name:    "firmware",
			Value:   defaults.Firmware,
			Usage:   "application image written at 0x10000",
			EnvVars: []string{"ESP_FIRMWARE"},
		},
		&cli.StringFlag{
			Name:  "bootloader",
			Value: defaults.Bootloader,
			Usage: "bootloader image written at 0x0",
		},
		&cli.StringFlag{
			Name:  "partition-table",
			Value: defaults.PartitionTable,
			Usage: "partition table image written at 0x8000",
		},
		&cli.StringFlag{
			Name:    "serial-file",
			Value:   defaults.SerialLocation,
			Usage:   "serial counter location: path, file:// or s3:// URI",
			EnvVars: []string{"ESP_SERIAL_FILE"},
		},
		&cli.StringFlag{
			Name:    "key-file",
			Usage:   "key token location: path, file://, s3:// or vault:// URI",
			EnvVars: []string{"ESP_KEY_FILE"},
		},
		&cli.StringFlag{
			Name:  "python",
			Value: defaults.Tools.Python,
			Usage: "interpreter for the tools; empty runs them directly",
		},
		&cli.StringFlag{
			Name:    "esptool",
			Value:   defaults.Tools.Esptool,
			Usage:   "flashing tool",
			EnvVars: []string{"ESPTOOL"},
		},
		&cli.StringFlag{
			Name:    "espefuse",
			Value:   defaults.Tools.Espefuse,
			Usage:   "fuse tool",
			EnvVars: []string{"ESPEFUSE"},
		},
		&cli.StringFlag{
			Name:    "strategy",
			Value:   defaults.Strategy.String(),
			Usage:   "serial burn strategy: byte-block, bit-burn or bit-burn-key",
			EnvVars: []string{"ESP_STRATEGY"},
		},
		&cli.StringFlag{
			Name:  "serial-block",
			Value: defaults.SerialBlock,
			Usage: "fuse block holding the serial number",
		},
		&cli.IntFlag{
			Name:  "serial-offset",
			Value: defaults.SerialOffset,
			Usage: "byte offset of the serial within its block (byte-block strategy)",
		},
		&cli.StringFlag{
			Name:  "key-block",
			Value: defaults.KeyBlock,
			Usage: "fuse block receiving the key (bit-burn-key strategy)",
		},
		&cli.IntFlag{
			Name:  "key-bits",
			Value: defaults.KeyBits,
			Usage: "width of the key block in bits",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "burn the serial bits with --force-write-always",
		},
		&cli.BoolFlag{
			Name:  "do-not-confirm",
			Usage: "skip the fuse tool's BURN confirmation",
		},
		&cli.BoolFlag{
			Name:  "lenient-serial",
			Value: defaults.LenientSerial,
			Usage: "drop non-hex characters from the serial file instead of failing",
		},
		&cli.StringFlag{
			Name:  "overflow",
			Value: defaults.Overflow.String(),
			Usage: "what to do when the serial counter is exhausted: error or wrap",
		},
		&cli.StringSliceFlag{
			Name:    "record-store",
			Usage:   "archive provisioning records here: file://, s3:// or ipfs:// URI (repeatable)",
			EnvVars: []string{"ESP_RECORD_STORES"},
		},
		&cli.StringFlag{
			Name:  "scratch-dir",
			Usage: "directory for the temporary serial block file",
		},
	}
}

// station is the resolved configuration of one invocation.
type station struct {
	cfg          provisioner.Config
	recordStores []string
	listenAddr   string
	metricsAddr  string
}

// loadStation resolves defaults, then the station file, then explicitly set flags.
func loadStation(cCtx *cli.Context) (*station, error) {
	st := &station{
		cfg:         provisioner.DefaultConfig(),
		listenAddr:  cCtx.String("listen-addr"),
		metricsAddr: cCtx.String("metrics-addr"),
	}

	if path := cCtx.String("config"); path != "" {
		file, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		if err := file.Apply(&st.cfg); err != nil {
			return nil, err
		}
		st.recordStores = file.RecordStores
		if file.Server.ListenAddr != "" && !cCtx.IsSet("listen-addr") {
			st.listenAddr = file.Server.ListenAddr
		}
		if file.Server.MetricsAddr != "" && !cCtx.IsSet("metrics-addr") {
			st.metricsAddr = file.Server.MetricsAddr
		}
	}

	cfg := &st.cfg
	setString(cCtx, "port", &cfg.Port)
	setString(cCtx, "chip", &cfg.Chip)
	if cCtx.IsSet("baud") {
		cfg.Baud = cCtx.Int("baud")
	}
	setString(cCtx, "firmware", &cfg.Firmware)
	setString(cCtx, "bootloader", &cfg.Bootloader)
	setString(cCtx, "partition-table", &cfg.PartitionTable)
	setString(cCtx, "serial-file", &cfg.SerialLocation)
	setString(cCtx, "key-file", &cfg.KeyLocation)
	setString(cCtx, "python", &cfg.Tools.Python)
	setString(cCtx, "esptool", &cfg.Tools.Esptool)
	setString(cCtx, "espefuse", &cfg.Tools.Espefuse)
	setString(cCtx, "serial-block", &cfg.SerialBlock)
	setString(cCtx, "key-block", &cfg.KeyBlock)
	setString(cCtx, "scratch-dir", &cfg.ScratchDir)

	if cCtx.IsSet("strategy") {
		s, err := interfaces.ParseBurnStrategy(cCtx.String("strategy"))
		if err != nil {
			return nil, err
		}
		cfg.Strategy = s
	}
	if cCtx.IsSet("overflow") {
		p, err := interfaces.ParseOverflowPolicy(cCtx.String("overflow"))
		if err != nil {
			return nil, err
		}
		cfg.Overflow = p
	}
	if cCtx.IsSet("serial-offset") {
		cfg.SerialOffset = cCtx.Int("serial-offset")
	}
	if cCtx.IsSet("key-bits") {
		cfg.KeyBits = cCtx.Int("key-bits")
	}
	if cCtx.IsSet("force") {
		cfg.ForceBurn = cCtx.Bool("force")
	}
	if cCtx.IsSet("do-not-confirm") {
		cfg.DoNotConfirm = cCtx.Bool("do-not-confirm")
	}
	if cCtx.IsSet("lenient-serial") {
		cfg.LenientSerial = cCtx.Bool("lenient-serial")
	}
	if cCtx.IsSet("record-store") {
		st.recordStores = cCtx.StringSlice("record-store")
	}

	return st, nil
}

func setString(cCtx *cli.Context, name string, dst *string) {
	if cCtx.IsSet(name) {
		*dst = cCtx.String(name)
	}
}

// deps opens the token and record stores named by the station.
func (st *station) deps(runner interfaces.ProcessRunner, observer provisioner.Observer, log *slog.Logger) (provisioner.Deps, error) {
	factory := storage.NewStorageBackendFactory(log)

	serial, err := factory.TokenStoreFor(st.cfg.SerialLocation)
	if err != nil {
		return provisioner.Deps{}, fmt.Errorf("%w: serial location: %w", interfaces.ErrConfig, err)
	}

	deps := provisioner.Deps{
		Runner:   runner,
		Serial:   serial,
		Observer: observer,
		Log:      log,
	}

	if st.cfg.Strategy.BurnsKey() && st.cfg.KeyLocation != "" {
		key, err := factory.TokenStoreFor(st.cfg.KeyLocation)
		if err != nil {
			return provisioner.Deps{}, fmt.Errorf("%w: key location: %w", interfaces.ErrConfig, err)
		}
		deps.Key = key
	}

	if len(st.recordStores) > 0 {
		records, err := factory.CreateMultiBackend(st.recordStores)
		if err != nil {
			return provisioner.Deps{}, fmt.Errorf("%w: record stores: %w", interfaces.ErrConfig, err)
		}
		deps.Records = records
	}

	return deps, nil
}
