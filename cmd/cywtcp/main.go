// Command cywtcp replays the inbound frames of a packet capture through a
// cywtcp stack and writes the resulting session to another capture.
//
//	cywtcp -config stack.yml -in syn.pcap -out session.pcap
//
// Services are registered from the configuration file: echo, http, mqtt and discard.
// The stack clock advances by one tick every configured tick of capture time.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/cywtcp"
	"github.com/soypat/cywtcp/internal/pcap"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "cywtcp - replay a pcap of Ethernet frames through the TCP stack.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	cfgPath := flag.String("config", "", "YAML stack configuration file. Defaults are used if empty.")
	input := flag.String("in", "", "Input pcap file with frames addressed to the stack.")
	output := flag.String("out", "", "Output pcap file of the replayed session. Not written if empty.")
	flag.Parse()
	if err := start(*cfgPath, *input, *output); err != nil {
		fmt.Fprintln(os.Stderr, "cywtcp:", err)
		os.Exit(1)
	}
}

func start(cfgPath, input, output string) error {
	if input == "" {
		return errors.New("missing -in capture file")
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	lvl, err := cfg.level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	in, err := os.Open(input)
	if err != nil {
		return errors.Wrap(err, "opening input")
	}
	defer in.Close()
	var out io.Writer
	if output != "" {
		fp, err := os.Create(output)
		if err != nil {
			return errors.Wrap(err, "creating output")
		}
		defer fp.Close()
		out = fp
	}
	stats, err := run(&cfg, in, out, logger)
	if err != nil {
		return err
	}
	logger.Info("done", slog.Any("processed", stats.Processed), slog.Any("dropped", stats.Dropped),
		slog.Any("sent", stats.Sent), slog.Int("sockets", stats.Sockets))
	return nil
}

// run replays the capture read from in. If out is not nil every frame received
// and sent by the stack is written to it.
func run(cfg *config, in io.Reader, out io.Writer, logger *slog.Logger) (cywtcp.Stats, error) {
	rd, err := pcap.NewReader(in)
	if err != nil {
		return cywtcp.Stats{}, errors.Wrap(err, "reading input capture")
	}
	replay, err := pcap.NewReplay(rd)
	if err != nil {
		return cywtcp.Stats{}, err
	}
	var link cywtcp.Link = replay
	var tap *pcap.Tap
	if out != nil {
		tap, err = pcap.NewTap(replay, out, 0)
		if err != nil {
			return cywtcp.Stats{}, errors.Wrap(err, "writing output capture")
		}
		link = tap
	}

	scfg, err := cfg.stackConfig()
	if err != nil {
		return cywtcp.Stats{}, err
	}
	scfg.Link = link
	scfg.Logger = logger
	stack, err := cywtcp.NewStack(scfg)
	if err != nil {
		return cywtcp.Stats{}, err
	}
	for _, svc := range cfg.Services {
		h, err := svc.handler(logger)
		if err != nil {
			return cywtcp.Stats{}, err
		}
		if err := stack.Register(svc.Port, h); err != nil {
			return cywtcp.Stats{}, errors.Wrapf(err, "registering %s on port %d", svc.Kind, svc.Port)
		}
	}

	buf := make([]byte, 1<<16)
	var nextTick time.Time
	for !replay.Done() {
		if _, err := stack.PollLink(buf); err != nil {
			return stack.Stats(), errors.Wrap(err, "polling link")
		}
		if now := replay.Last; !now.IsZero() {
			if nextTick.IsZero() {
				nextTick = now.Add(cfg.Tick)
			}
			for !now.Before(nextTick) {
				stack.Tick()
				stack.Sweep()
				nextTick = nextTick.Add(cfg.Tick)
			}
		}
		if err := stack.Poll(); err != nil {
			logger.Warn("poll", slog.String("err", err.Error()))
		}
	}
	if tap != nil && tap.Err() != nil {
		return stack.Stats(), errors.Wrap(tap.Err(), "writing output capture")
	}
	return stack.Stats(), nil
}
