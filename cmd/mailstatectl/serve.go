package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mailstate/mailstate/metrics"
)

var serveAddress string

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Open the database and serve prometheus metrics until interrupted",
	Long:  "Open the database, erasing content of messages left expunged at the previous shutdown, and serve prometheus metrics at /metrics until interrupted. The address is from the config file, or from --address.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmdContext()
		_, closeStore, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		addr := serveAddress
		if addr == "" {
			addr = conf.MetricsAddress
		}
		if addr == "" {
			return errors.New("no metrics address configured, set MetricsAddress or use --address")
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
		}

		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		errc := make(chan error, 1)
		go func() {
			errc <- srv.ListenAndServe()
		}()
		pterm.Info.Printfln("serving metrics at http://%s/metrics", addr)

		select {
		case sig := <-sigc:
			pkglog.Print("shutting down", slog.Any("signal", sig))
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		case err := <-errc:
			return err
		}
	},
}

func init() {
	serveMetricsCmd.Flags().StringVar(&serveAddress, "address", "", "address to listen on, overrides MetricsAddress from config")
	rootCmd.AddCommand(serveMetricsCmd)
}
