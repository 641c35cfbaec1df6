package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nfrund/parley/internal/config"
	"github.com/nfrund/parley/internal/logging"
	"github.com/nfrund/parley/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation server",
	Run: func(cmd *cobra.Command, args []string) {
		logging.New()
		cfg := config.New()

		addr := serveAddr
		if addr == "" {
			addr = cfg.GetAddr()
		}

		s, err := server.New(cfg)
		if err != nil {
			slog.Error("failed to assemble server", "error", err)
			os.Exit(1)
		}

		slog.Info("starting server", "addr", addr)
		s.Start(addr)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to PARLEY_ADDR)")
	rootCmd.AddCommand(serveCmd)
}
