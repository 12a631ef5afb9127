// Copyright 2012 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// pcapcarve carves files out of TCP and UDP payloads read from a network
// device or a capture file.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bongole/pcapcarver"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
)

const version = "1.0.0"

var configFile string

func main() {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:   "pcapcarve [flags] [device]",
		Short: "Carve files out of network traffic",
		Long: `pcapcarve searches TCP and UDP payloads for file signatures and writes
every match it finds to the output directory, along with an index ledger
naming the flow each file came from.`,
		Version:      version,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("device", args[0])
			}
			return run(cmd.Context(), v)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "configuration file (yaml, toml or json)")
	flags.StringP("file", "f", "", "capture file to read instead of a device")
	flags.StringP("device", "d", "", "network device to capture on")
	flags.StringP("signatures", "s", "", "signature file")
	flags.StringP("output", "o", ".", "directory carved files are written to")
	flags.BoolP("verbose", "V", false, "log every extraction")
	flags.Int("workers", 1, "number of carving workers")
	flags.IntSlice("port", nil, "only carve flows using one of these ports")
	flags.String("filter", pcapcarver.DefaultFilter, "BPF filter for libpcap sources")
	flags.String("file-reader", "pcapgo", "capture file reader (pcapgo, libpcap)")
	flags.Bool("drop-when-full", false, "drop packets instead of waiting on busy workers")
	flags.String("log-level", "info", "logging level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	for key, name := range map[string]string{
		"file":           "file",
		"device":         "device",
		"signature_file": "signatures",
		"output":         "output",
		"verbose":        "verbose",
		"workers":        "workers",
		"ports":          "port",
		"filter":         "filter",
		"file_reader":    "file-reader",
		"drop_when_full": "drop-when-full",
		"log_level":      "log-level",
		"log_format":     "log-format",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *pcapcarver.Config) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if cfg.Verbose && level < logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return log, nil
}

func openSource(cfg *pcapcarver.Config) (pcapcarver.Source, error) {
	switch {
	case cfg.File != "" && cfg.FileReader == "libpcap":
		return pcapcarver.OpenOffline(cfg.File, cfg.Filter)
	case cfg.File != "":
		return pcapcarver.OpenFile(cfg.File)
	case cfg.Device != "":
		return pcapcarver.OpenLive(cfg.Device, int32(cfg.Snaplen), cfg.Filter)
	}
	return nil, errors.New("no device or capture file given")
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := pcapcarver.LoadConfig(v, configFile)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	pcapcarver.SetLogger(log)

	trie, err := cfg.CompileSignatures()
	if err != nil {
		return err
	}
	for _, sig := range trie.Shadowed() {
		log.WithField("signature", sig.String()).Warn("signature can never match, an earlier one occupies its path")
	}
	log.WithFields(logrus.Fields{"signatures": len(trie.Signatures()), "nodes": trie.NodeCount()}).Info("signatures compiled")

	src, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer src.Close()
	var size int64
	if s, ok := src.(pcapcarver.Sizer); ok {
		size = s.CaptureSize()
	}

	out, err := pcapcarver.NewOutput(cfg.Output, src.Label())
	if err != nil {
		return err
	}
	if cfg.Tracing.Endpoint != "" {
		tp, err := pcapcarver.NewTracerProvider(ctx, cfg.Tracing.Endpoint)
		if err != nil {
			return err
		}
		otel.SetTracerProvider(tp)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("flushing spans")
			}
		}()
	}
	if cfg.NATS.URL != "" {
		n, err := pcapcarver.NewNATSNotifier(cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			return err
		}
		defer n.Close()
		out.Notifier = n
	}

	mux := pcapcarver.NewMultiplexer(trie, out, cfg.Workers)
	mux.QueueSize = cfg.QueueSize
	mux.SweepEvery = cfg.SweepEvery
	mux.SessionThreshold = cfg.SessionThreshold
	mux.DropWhenFull = cfg.DropWhenFull
	mux.Filter = pcapcarver.PortsFilter(cfg.PortList())

	if cfg.Metrics.Endpoint != "" {
		mp, err := pcapcarver.NewMeterProvider(ctx, cfg.Metrics.Endpoint, cfg.Metrics.Interval)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mp.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("flushing metrics")
			}
		}()
		if _, err := pcapcarver.RegisterMetrics(mp.Meter(pcapcarver.MeterName), mux.Stats, mux.Sessions); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	keys := &keyCommands{mux: mux, size: size, cancel: cancel, w: os.Stdout}
	go keys.read(ctx, os.Stdin)

	log.WithFields(logrus.Fields{"source": src.Label(), "output": cfg.Output, "ledger": out.LedgerPath(), "run": out.RunID}).
		Info("carving started, press ? for help")
	runErr := mux.Run(ctx, src)
	mux.Close()
	if err := out.Close(); err != nil {
		log.WithError(err).Error("closing index ledger")
	}
	keys.report()
	return runErr
}

// keyCommands answers single-key commands typed on stdin while carving.
type keyCommands struct {
	mux    *pcapcarver.Multiplexer
	size   int64
	cancel context.CancelFunc
	w      io.Writer
}

func (k *keyCommands) report() {
	if err := k.mux.Stats.Snapshot().Report(k.w, time.Now(), k.mux.Sessions(), k.size); err != nil {
		logrus.WithError(err).Warn("writing statistics")
	}
}

func (k *keyCommands) help() {
	fmt.Fprint(k.w, strings.Join([]string{
		"key commands:",
		"  s  print statistics",
		"  c  clear statistics",
		"  C  clear the screen",
		"  v  print version",
		"  q  quit",
		"  ?  this help",
		"",
	}, "\n"))
}

func (k *keyCommands) read(ctx context.Context, r io.Reader) {
	br := bufio.NewReader(r)
	for ctx.Err() == nil {
		b, err := br.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case 's':
			k.report()
		case 'c':
			k.mux.Stats.Reset()
			fmt.Fprintln(k.w, "statistics cleared")
		case 'C':
			fmt.Fprint(k.w, "\033[H\033[2J")
		case 'v':
			fmt.Fprintln(k.w, "pcapcarve", version)
		case 'q':
			k.cancel()
			return
		case '?', 'h':
			k.help()
		}
	}
}
