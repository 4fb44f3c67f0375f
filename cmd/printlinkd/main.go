// printlink daemon
//
// Sits between a 3D printer's serial command protocol and a cloud/API
// consumer, tracking the presence and contents of the printer's SD
// card.
//
// Features:
// - SD card presence state machine with background polling
// - File tree snapshots with diff logging
// - SSE event stream (tree_updated / card_inserted / card_ejected)
// - Prometheus metrics & structured logging (zap)
// - Serial device or TCP bridge (ser2net style) printer link
package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	serialport "go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/printlink/printlink/internal/api"
	"github.com/printlink/printlink/internal/config"
	"github.com/printlink/printlink/internal/events"
	"github.com/printlink/printlink/internal/logging"
	"github.com/printlink/printlink/internal/metrics"
	"github.com/printlink/printlink/internal/sdcard"
	"github.com/printlink/printlink/internal/serial"
)

// queueAdapter narrows *serial.Queue to the informer's contract.
type queueAdapter struct {
	q *serial.Queue
}

func (a queueAdapter) EnqueueMatchable(command string) sdcard.Instruction {
	return a.q.EnqueueMatchable(command)
}

func (a queueAdapter) EnqueueCollecting(command string, begin, capture, end *regexp.Regexp) sdcard.Instruction {
	return a.q.EnqueueCollecting(command, begin, capture, end)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("printlink starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	link, err := openPrinterLink(cfg)
	if err != nil {
		logging.Fatal("printer link open failed", zap.Error(err))
	}

	queue := serial.NewQueue(link)
	queue.Start()
	defer queue.Close()
	logging.Info("instruction queue started")

	broadcaster := events.NewBroadcaster()

	informer := sdcard.New(queueAdapter{q: queue}, broadcaster, sdcard.Config{
		Interval:       cfg.SDInterval,
		QuitInterval:   cfg.QuitInterval,
		RequestTimeout: cfg.RequestTimeout,
	})
	queue.RegisterOutputHandler(sdcard.InsertedPattern, func(_ []string) {
		informer.NotifyInserted()
	})
	informer.Start(ctx)
	defer informer.Stop()
	logging.Info("sd card informer started", zap.Duration("interval", cfg.SDInterval))

	srv := api.NewServer(informer, broadcaster)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}

	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// openPrinterLink opens either the serial device or, when PRINTER_ADDR
// is set, a TCP connection to a serial bridge.
func openPrinterLink(cfg *config.Config) (io.ReadWriteCloser, error) {
	if cfg.PrinterAddr != "" {
		return net.Dial("tcp", cfg.PrinterAddr)
	}
	mode := &serialport.Mode{BaudRate: cfg.BaudRate}
	return serialport.Open(cfg.SerialPort, mode)
}
