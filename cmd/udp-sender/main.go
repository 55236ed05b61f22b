// Command udp-sender drives one reliable-transport sender session from
// the command line: it gathers the (endpoint, payload, fragment_size,
// mode) configuration the menu driver would otherwise collect and hands
// it to internal/sender, the one piece of this program that is not an
// external collaborator per the transport's scope.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"reliable-udp/internal/config"
	"reliable-udp/internal/logging"
	"reliable-udp/internal/metrics"
	"reliable-udp/internal/sender"
	"reliable-udp/internal/transport"
)

// fragmentSizeFlag is a pflag.Value wrapping the fragment-size flag so
// an out-of-range value is rejected by cobra's flag parser itself
// (config.ValidateFragmentSize again guards the rest of SenderConfig).
type fragmentSizeFlag struct {
	v *int
}

var _ pflag.Value = fragmentSizeFlag{}

func (f fragmentSizeFlag) String() string {
	if f.v == nil {
		return "0"
	}
	return strconv.Itoa(*f.v)
}

func (f fragmentSizeFlag) Set(raw string) error {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("fragment-size: %w", err)
	}
	if err := config.ValidateFragmentSize(n); err != nil {
		return err
	}
	*f.v = n
	return nil
}

func (f fragmentSizeFlag) Type() string { return "int" }

var (
	host         string
	port         int
	fragmentSize int
	messages     []string
	files        []string
	injectAlter  bool
	injectMiss   bool
	logLevel     string
	configFile   string
	metricsAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "udp-sender",
	Short: "Send one or more messages or files over the reliable datagram transport",
	RunE:  run,
}

func init() {
	defaults, _ := config.LoadFileDefaults("")
	fragmentSize = defaults.FragmentSize

	rootCmd.Flags().StringVar(&host, "host", defaults.Host, "destination host or IP")
	rootCmd.Flags().IntVar(&port, "port", defaults.Port, "destination port")
	rootCmd.Flags().Var(fragmentSizeFlag{&fragmentSize}, "fragment-size", "fragment size (0 = auto)")
	rootCmd.Flags().StringArrayVar(&messages, "message", nil, "inline ASCII message to send (message mode); repeatable")
	rootCmd.Flags().StringArrayVar(&files, "file", nil, "path of a file to send (file mode); repeatable")
	rootCmd.Flags().BoolVar(&injectAlter, "inject-alter", false, "enable the ALTERED corruption test hook")
	rootCmd.Flags().BoolVar(&injectMiss, "inject-miss", false, "enable the MISSING drop test hook")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&configFile, "config", "", "optional config file (yaml/toml/json)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "optional address to serve /metrics on, e.g. :9100")
}

// payload is one (bytes, filename) pair queued for transmission;
// filename is empty for message mode.
type payload struct {
	bytes    []byte
	filename string
}

func run(cmd *cobra.Command, args []string) error {
	log := logging.New(logLevel)

	if configFile != "" {
		fd, err := config.LoadFileDefaults(configFile)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("host") {
			host = fd.Host
		}
		if !cmd.Flags().Changed("port") {
			port = fd.Port
		}
		if !cmd.Flags().Changed("fragment-size") {
			fragmentSize = fd.FragmentSize
		}
	}

	payloads, err := gatherPayloads()
	if err != nil {
		return err
	}

	cfg := config.SenderConfig{
		Host:         host,
		Port:         port,
		FragmentSize: fragmentSize,
		Payload:      payloads[0].bytes,
		Filename:     payloads[0].filename,
		InjectAlter:  injectAlter,
		InjectMiss:   injectMiss,
	}
	if errs := config.ValidateSender(cfg); len(errs) > 0 {
		for _, e := range errs {
			log.WithError(e).Error("invalid configuration")
		}
		return fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}

	conn, raddr, err := transport.Dial(cfg.Host, cfg.Port)
	if err != nil {
		return err
	}
	defer conn.Close()

	registry := prometheus.NewRegistry()
	rec := metrics.NewRecorder(registry, "sender")
	if metricsAddr != "" {
		serveMetrics(log, registry, metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	sess := sender.New(conn, raddr, log, rec, cfg)
	cb := sender.Callbacks{
		OnLog: func(msg string) { log.Info(msg) },
		OnProgress: func(sentN, total int) {
			log.WithField("sent", sentN).WithField("total", total).Debug("progress")
		},
		OnDone: func(ok bool) {
			if ok {
				log.Info("transfer complete; keep-alive running until interrupted")
			} else {
				log.Warn("transfer failed")
			}
		},
	}

	if err := sess.Run(ctx, cb); err != nil {
		return err
	}

	// Any further payloads reuse the same established connection
	// instead of repeating the handshake (the "send data to the same
	// server" continuation flow).
	for _, p := range payloads[1:] {
		if err := sess.SendAnother(ctx, p.bytes, p.filename, cb); err != nil {
			return err
		}
	}

	<-ctx.Done()
	return nil
}

func gatherPayloads() ([]payload, error) {
	var payloads []payload
	for _, m := range messages {
		payloads = append(payloads, payload{bytes: []byte(m)})
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		payloads = append(payloads, payload{bytes: b, filename: filePathBase(f)})
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("at least one --message or --file is required")
	}
	return payloads, nil
}

func serveMetrics(log interface{ Infof(string, ...interface{}) }, reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
	log.Infof("metrics listening on %s", addr)
}

func filePathBase(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}
	return p
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
