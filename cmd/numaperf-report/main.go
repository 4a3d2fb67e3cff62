// Command numaperf-report is the free-standing operator-facing companion
// to the numaperf hooks: it replays a report file package report already
// wrote to disk, and optionally serves the same live introspection metrics
// package metrics exposes from inside an instrumented process, registered
// the way the teacher's systemd_exporter main registers systemd.Collector.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/povilasv/prommod"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/log"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/OneTokens/NumaPerf/config"
	"github.com/OneTokens/NumaPerf/engine"
	"github.com/OneTokens/NumaPerf/metrics"
)

var (
	reportPath = kingpin.Flag("report-path", "Path to a report file written by numaperf.OnExit.").
			Envar("NUMAPERF_REPORT_PATH").Default("").String()
	listenAddress = kingpin.Flag("listen", "Address to serve /metrics on. Empty disables the server.").
			Envar("NUMAPERF_METRICS_LISTEN").Default("").String()
	format = kingpin.Flag("format", "Output format for the replayed report: text or raw.").
		Default("text").Enum("text", "raw")
)

func main() {
	kingpin.Version(programVersion())
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	logger := log.Base()

	if *reportPath != "" {
		if err := replay(os.Stdout, *reportPath, *format); err != nil {
			logger.Errorf("numaperf-report: %v", err)
			os.Exit(1)
		}
	}

	if *listenAddress == "" {
		return
	}

	// This standalone binary has no shared memory with the profiled
	// process, so the engine it introspects here is necessarily an empty
	// one of its own — the wiring this demonstrates (prometheus registry,
	// metrics.Collector, prommod build info) is the same wiring the
	// profiled process itself would use to self-host a /metrics endpoint.
	e, err := engine.New(config.Default(), logger)
	if err != nil {
		logger.Errorf("numaperf-report: building introspection engine: %v", err)
		os.Exit(1)
	}
	defer e.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(logger, e))
	reg.MustRegister(prommod.NewCollector("numaperf"))

	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Infof("numaperf-report: serving metrics on %s", *listenAddress)
	if err := http.ListenAndServe(*listenAddress, nil); err != nil {
		logger.Errorf("numaperf-report: metrics server: %v", err)
		os.Exit(1)
	}
}

// replay copies path's saved report to w. The "raw" format is a direct
// byte copy; "text" is the same content, reserved as the hook point for a
// future condensed rendering without changing the flag's contract.
func replay(w io.Writer, path, format string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	switch format {
	case "raw", "text":
		_, err := io.Copy(w, f)
		return err
	default:
		return fmt.Errorf("numaperf-report: unknown format %q", format)
	}
}

func programVersion() string {
	return "numaperf-report (development build)"
}
