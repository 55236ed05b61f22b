// Command udp-receiver listens for reliable-transport transfers and
// writes each delivered payload to stdout (message mode) or to a file
// named after the advertised filename (file mode), looping across
// transfers until interrupted or idle-timed-out.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"reliable-udp/internal/config"
	"reliable-udp/internal/logging"
	"reliable-udp/internal/metrics"
	"reliable-udp/internal/receiver"
	"reliable-udp/internal/transport"
)

var (
	port        int
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "udp-receiver",
	Short: "Receive messages and files over the reliable datagram transport",
	RunE:  run,
}

func init() {
	defaults, _ := config.LoadFileDefaults("")
	rootCmd.Flags().IntVar(&port, "port", defaults.Port, "port to bind (0.0.0.0)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "optional address to serve /metrics on, e.g. :9101")
}

func run(cmd *cobra.Command, args []string) error {
	log := logging.New(logLevel)

	cfg := config.ReceiverConfig{Port: port}
	if errs := config.ValidateReceiver(cfg); len(errs) > 0 {
		for _, e := range errs {
			log.WithError(e).Error("invalid configuration")
		}
		return fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}

	conn, err := transport.Listen(cfg.Port)
	if err != nil {
		return err
	}
	defer conn.Close()

	registry := prometheus.NewRegistry()
	rec := metrics.NewRecorder(registry, "receiver")
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() { _ = http.ListenAndServe(metricsAddr, mux) }()
		log.Infof("metrics listening on %s", metricsAddr)
	}

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		_ = conn.Close()
	}()

	sess := receiver.New(conn, log, rec)
	cb := receiver.Callbacks{
		OnLog: func(msg string) { log.Info(msg) },
		OnDelivery: func(d receiver.Delivery) {
			if d.Filename != "" {
				if err := os.WriteFile(d.Filename, d.Data, 0o644); err != nil {
					log.WithError(err).Error("writing delivered file")
					return
				}
				log.WithField("filename", d.Filename).WithField("bytes", len(d.Data)).Info("file delivered")
				return
			}
			log.WithField("bytes", len(d.Message)).Info("message delivered")
			fmt.Println(string(d.Message))
		},
	}

	if err := sess.Run(cb); err != nil {
		log.WithError(err).Warn("receiver session ended")
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
