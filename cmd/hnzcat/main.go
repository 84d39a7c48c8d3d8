// Command hnzcat runs a standalone HNZ north-side endpoint pair for
// manual testing: it loads a YAML dev configuration, starts the dual
// path server, logs decoded traffic, and serves Prometheus metrics.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/fledge-power/hnz-north-go/config"
	"github.com/fledge-power/hnz-north-go/dispatch"
	"github.com/fledge-power/hnz-north-go/frame"
	"github.com/fledge-power/hnz-north-go/netdiag"
	"github.com/fledge-power/hnz-north-go/server"
	"github.com/fledge-power/hnz-north-go/telemetry"
)

var (
	configFlag  = flag.String("config", "hnzcat.yaml", "Path to a YAML dev configuration `file`.")
	metricsFlag = flag.String("metrics-addr", ":9100", "Listen `address` for the Prometheus /metrics endpoint.")
	redisFlag   = flag.String("redis-addr", "", "Optional Redis `address` for link-state telemetry; empty disables it.")
)

// devConfig mirrors the JSON-shaped protocol_stack/exchanged_data
// contract (spec.md §6), loaded here from YAML for convenience during
// manual testing.
type devConfig struct {
	ProtocolStack any `yaml:"protocol_stack"`
	ExchangedData any `yaml:"exchanged_data"`
}

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log).WithField("cmd", filepath.Base(os.Args[0]))

	raw, err := os.ReadFile(*configFlag)
	if err != nil {
		entry.WithError(err).Fatal("reading config file")
	}

	var dc devConfig
	if err := yaml.Unmarshal(raw, &dc); err != nil {
		entry.WithError(err).Fatal("parsing config file")
	}

	protocolDoc, err := json.Marshal(map[string]any{"protocol_stack": dc.ProtocolStack})
	if err != nil {
		entry.WithError(err).Fatal("re-encoding protocol_stack")
	}
	exchangeDoc, err := json.Marshal(map[string]any{"exchanged_data": dc.ExchangedData})
	if err != nil {
		entry.WithError(err).Fatal("re-encoding exchanged_data")
	}

	cfg, err := config.Load(protocolDoc, exchangeDoc)
	if err != nil {
		entry.WithError(err).Fatal("loading configuration")
	}
	if !cfg.ProtocolComplete {
		entry.Fatal("protocol configuration incomplete (invalid remote_station_addr?)")
	}

	var publisher *telemetry.Publisher
	if *redisFlag != "" {
		publisher, err = telemetry.New(*redisFlag, "", 0)
		if err != nil {
			entry.WithError(err).Fatal("connecting to redis")
		}
		defer publisher.Close()
	}

	sink := loggingSink{log: entry}
	factory := func(log *logrus.Entry) frame.Codec { return frame.NewTCPCodec(log) }
	srv := server.New(cfg.Protocol, sink, factory, entry)
	srv.SetTelemetry(publisher)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	metrics := netdiag.NewMetrics(reg)
	tcpInfo := netdiag.NewTCPInfoCollector(func(err error) {
		entry.WithError(err).Debug("tcp_info sample failed, untracking socket")
	})
	reg.MustRegister(tcpInfo)
	srv.SetMetrics(metrics, tcpInfo)

	if err := srv.Start(); err != nil {
		entry.WithError(err).Fatal("starting server")
	}
	defer srv.Stop()

	httpMux := http.NewServeMux()
	httpMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(*metricsFlag, httpMux); err != nil {
			entry.WithError(err).Error("metrics server stopped")
		}
	}()

	entry.WithFields(logrus.Fields{
		"port_A": cfg.Protocol.PortPathA,
		"port_B": cfg.Protocol.PortPathB,
	}).Info("hnzcat listening")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	entry.WithField("signal", sig).Info("shutting down")
}

// loggingSink implements dispatch.OperationSink by logging every
// command instead of forwarding it to a host plugin.
type loggingSink struct {
	log *logrus.Entry
}

func (s loggingSink) Operation(opName string, names, values []string, destination dispatch.Destination) int {
	fields := logrus.Fields{"op": opName, "destination": destination.String()}
	for i := range names {
		if i < len(values) {
			fields[names[i]] = values[i]
		}
	}
	s.log.WithFields(fields).Info("operation sink invoked")
	return len(names)
}
