package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/esp-provisioning-station/cmd/flags"
	"github.com/ruteri/esp-provisioning-station/common"
	"github.com/ruteri/esp-provisioning-station/espcmd"
	"github.com/ruteri/esp-provisioning-station/fuse"
	"github.com/ruteri/esp-provisioning-station/httpserver"
	"github.com/ruteri/esp-provisioning-station/interfaces"
	"github.com/ruteri/esp-provisioning-station/metrics"
	"github.com/ruteri/esp-provisioning-station/provisioner"
	"github.com/ruteri/esp-provisioning-station/storage"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(os.Stdout, os.Exit).Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitHandler prints the failure on out, where the operator watches the
// run, and exits with the error's code (1 unless it carries another).
func exitHandler(out io.Writer, exit func(int)) cli.ExitErrHandlerFunc {
	return func(_ *cli.Context, err error) {
		if err == nil {
			return
		}
		fmt.Fprintln(out, err)

		code := 1
		var coder cli.ExitCoder
		if errors.As(err, &coder) && coder.ExitCode() != 0 {
			code = coder.ExitCode()
		}
		exit(code)
	}
}

func newApp(out io.Writer, exit func(int)) *cli.App {
	runFlags := func() []cli.Flag {
		return append([]cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "print the commands and bit sets without touching the device or the serial counter",
			},
		}, newStationFlags()...)
	}

	return &cli.App{
		Name:    "esp-provision",
		Usage:   "Flash ESP32 firmware and burn serial number and key eFuses",
		Version: common.Version,

		// failures go with the rest of the output
		Writer:         out,
		ErrWriter:      out,
		ExitErrHandler: exitHandler(out, exit),

		// without a command the app provisions once, like "run"
		Flags:  append(append([]cli.Flag{}, flags.LoggingFlags...), runFlags()...),
		Action: runCommand(out),
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "provision the device on --port once",
				Flags:  runFlags(),
				Action: runCommand(out),
			},
			{
				Name:   "serve",
				Usage:  "serve the station API and provision on request",
				Flags:  append(newStationFlags(), flags.ServerFlags...),
				Action: serveCommand,
			},
			{
				Name:      "bits",
				Usage:     "print the fuse bit positions of a hex value",
				ArgsUsage: "<hex>",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "width",
						Value: fuse.SerialWidth,
						Usage: "block width in bits",
					},
				},
				Action: bitsCommand(out),
			},
			{
				Name:   "show",
				Usage:  "print the current serial number and the next one",
				Flags:  newStationFlags(),
				Action: showCommand(out),
			},
		},
	}
}

func runCommand(out io.Writer) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		log := flags.SetupLogger(cCtx)

		st, err := loadStation(cCtx)
		if err != nil {
			return cli.Exit(err, 1)
		}
		st.cfg.DryRun = cCtx.Bool("dry-run")

		var runner interfaces.ProcessRunner = &espcmd.ExecRunner{
			Stdin:  os.Stdin,
			Stdout: out,
			Log:    log,
		}
		if st.cfg.DryRun {
			runner = &espcmd.DryRunner{Out: out}
		}

		deps, err := st.deps(runner, nil, log)
		if err != nil {
			return cli.Exit(err, 1)
		}
		seq, err := provisioner.NewSequencer(st.cfg, deps)
		if err != nil {
			return cli.Exit(err, 1)
		}

		record, err := seq.Run(cCtx.Context)
		printRecord(out, record)
		if err != nil {
			return cli.Exit(fmt.Sprintf("provisioning aborted: %v", err), 1)
		}
		return nil
	}
}

func printRecord(out io.Writer, r *provisioner.Record) {
	if r == nil {
		return
	}
	fmt.Fprintf(out, "run:      %s\n", r.RunID)
	fmt.Fprintf(out, "outcome:  %s\n", r.Outcome)
	if r.Serial != "" {
		fmt.Fprintf(out, "serial:   %s\n", r.Serial)
	}
	if len(r.SerialBits) > 0 {
		fmt.Fprintf(out, "bits:     %s\n", fuse.BitSet(r.SerialBits))
	}
	if r.NextSerial != "" {
		fmt.Fprintf(out, "next:     %s\n", r.NextSerial)
	}
}

func serveCommand(cCtx *cli.Context) error {
	log := flags.SetupLogger(cCtx)

	st, err := loadStation(cCtx)
	if err != nil {
		return cli.Exit(err, 1)
	}
	// nobody is at a terminal to type BURN
	st.cfg.DoNotConfirm = true

	cfg := flags.ConfigureServer(cCtx, log, st.listenAddr, st.metricsAddr)

	var observer provisioner.Observer
	if cfg.MetricsAddr != "" {
		metricsSrv, collector, err := metrics.New(common.PackageName, cfg.MetricsAddr)
		if err != nil {
			return cli.Exit(err, 1)
		}
		cfg.Metrics = metricsSrv
		observer = collector
	}

	deps, err := st.deps(&espcmd.ExecRunner{Log: log}, observer, log)
	if err != nil {
		return cli.Exit(err, 1)
	}
	seq, err := provisioner.NewSequencer(st.cfg, deps)
	if err != nil {
		return cli.Exit(err, 1)
	}

	handler := httpserver.NewHandler(seq, deps.Serial, deps.Records, st.cfg.LenientSerial, st.cfg.Overflow, log)
	server, err := httpserver.New(cfg, handler)
	if err != nil {
		return cli.Exit(err, 1)
	}

	log.Info("Starting station",
		slog.String("port", st.cfg.Port),
		slog.String("strategy", st.cfg.Strategy.String()),
		slog.String("serial", deps.Serial.LocationURI()))
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	log.Info("Shutdown signal received")

	server.Shutdown()
	return nil
}

func bitsCommand(out io.Writer) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		if cCtx.NArg() != 1 {
			return cli.Exit("usage: bits <hex>", 1)
		}
		width := cCtx.Int("width")

		v, err := fuse.ParseHexValue(cCtx.Args().First(), false, width)
		if err != nil {
			return cli.Exit(err, 1)
		}
		bits, err := fuse.DeriveBitSet(v, width)
		if err != nil {
			return cli.Exit(err, 1)
		}
		fmt.Fprintln(out, bits.String())
		return nil
	}
}

func showCommand(out io.Writer) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		log := flags.SetupLogger(cCtx)

		st, err := loadStation(cCtx)
		if err != nil {
			return cli.Exit(err, 1)
		}

		store, err := storage.NewStorageBackendFactory(log).TokenStoreFor(st.cfg.SerialLocation)
		if err != nil {
			return cli.Exit(err, 1)
		}
		raw, err := store.Load(context.Background())
		if err != nil {
			return cli.Exit(err, 1)
		}
		s, err := fuse.ParseSerial(string(raw), st.cfg.LenientSerial)
		if err != nil {
			return cli.Exit(err, 1)
		}
		bits, err := fuse.SerialBitSet(s)
		if err != nil {
			return cli.Exit(err, 1)
		}

		fmt.Fprintf(out, "serial: %s\n", s)
		fmt.Fprintf(out, "bits:   %s\n", bits)
		next, err := fuse.Increment(s, st.cfg.Overflow)
		switch {
		case errors.Is(err, interfaces.ErrSerialOverflow):
			fmt.Fprintln(out, "next:   exhausted")
		case err != nil:
			return cli.Exit(err, 1)
		default:
			fmt.Fprintf(out, "next:   %s\n", next)
		}
		return nil
	}
}
