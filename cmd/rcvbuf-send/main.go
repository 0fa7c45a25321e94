package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zsiec/rcvbuf/internal/loadgen"
	"github.com/zsiec/rcvbuf/internal/logger"
	"github.com/zsiec/rcvbuf/pkg/version"
)

func main() {
	var (
		cfg         loadgen.Config
		payloadType uint
		duration    time.Duration
		verbose     bool
		showVersion bool
	)

	flag.StringVar(&cfg.Target, "target", "127.0.0.1:5004", "Receiver address")
	flag.IntVar(&cfg.Streams, "streams", 1, "Number of RTP streams (SSRCs)")
	flag.Float64Var(&cfg.PacketsPerSecond, "pps", 1000, "Packets per second across all streams")
	flag.IntVar(&cfg.PayloadSize, "size", 1200, "RTP payload size in bytes")
	flag.UintVar(&payloadType, "pt", 96, "RTP payload type")
	flag.DurationVar(&cfg.ReportInterval, "sr-interval", 5*time.Second, "RTCP sender report interval, 0 disables")
	flag.IntVar(&cfg.Count, "count", 0, "Stop after this many RTP packets, 0 for no limit")
	flag.DurationVar(&duration, "duration", 0, "Stop after this long, 0 for no limit")
	flag.BoolVar(&verbose, "v", false, "Debug logging")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		return
	}
	if payloadType > 127 {
		fmt.Fprintf(os.Stderr, "invalid payload type %d\n", payloadType)
		os.Exit(2)
	}
	cfg.PayloadType = uint8(payloadType)

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	gen, err := loadgen.New(cfg, logger.FromLogrus(log, "rcvbuf-send"))
	if err != nil {
		log.WithError(err).Fatal("Invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	start := time.Now()
	if err := gen.Run(ctx); err != nil {
		log.WithError(err).Fatal("Send failed")
	}

	stats := gen.Stats()
	elapsed := time.Since(start)
	log.WithFields(logrus.Fields{
		"rtp_packets":  stats.RTPPackets,
		"rtcp_packets": stats.RTCPPackets,
		"bytes":        stats.Bytes,
		"errors":       stats.Errors,
		"elapsed":      elapsed.Round(time.Millisecond).String(),
		"ssrcs":        gen.SSRCs(),
	}).Info("Done")
}
