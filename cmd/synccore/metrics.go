package main

import (
	"fmt"
	"net/http"

	"github.com/powersync-ja/powersync-sqlite-core/internal/metrics"
	"github.com/spf13/cobra"
)

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve Prometheus metrics over HTTP",
	Long:  `serve-metrics starts an HTTP server exposing the engine's Prometheus instrumentation, using the address from the harness config's metrics_addr (default :9090 if unset).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadHarnessConfig()
		if err != nil {
			return err
		}
		addr := cfg.MetricsAddr
		if addr == "" {
			addr = ":9090"
		}

		logger := createLogger(cfg)
		logger.Info("serving metrics", "addr", addr)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		fmt.Printf("serving metrics on %s/metrics\n", addr)
		return http.ListenAndServe(addr, mux)
	},
}
