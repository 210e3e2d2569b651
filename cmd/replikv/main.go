// Command replikv runs one node of the replicated key-value store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/replikv/replikv/pkg/api"
	"github.com/replikv/replikv/pkg/config"
	"github.com/replikv/replikv/pkg/raft"
	"github.com/replikv/replikv/pkg/transport"
)

func main() {
	var (
		configPath string
		nodeID     string
		raftAddr   string
		apiAddr    string
		walDir     string
		peerFlags  []string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "replikv",
		Short: "Replicated key-value store node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			// Flags override the file.
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if raftAddr != "" {
				cfg.RaftAddr = raftAddr
			}
			if apiAddr != "" {
				cfg.APIAddr = apiAddr
			}
			if walDir != "" {
				cfg.WALDir = walDir
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			for _, p := range peerFlags {
				parts := strings.SplitN(p, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --peer %q, want id=addr", p)
				}
				cfg.Peers[parts[0]] = parts[1]
			}

			if cfg.NodeID == "" {
				cfg.NodeID = uuid.NewString()
			}
			if cfg.WALDir == "" {
				cfg.WALDir = "/var/lib/replikv/" + cfg.NodeID
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cfg)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.Flags().StringVar(&nodeID, "id", "", "node ID (generated when empty)")
	root.Flags().StringVar(&raftAddr, "raft-addr", "", "consensus RPC listen address")
	root.Flags().StringVar(&apiAddr, "api-addr", "", "client HTTP API listen address")
	root.Flags().StringVar(&walDir, "wal-dir", "", "durable log directory")
	root.Flags().StringArrayVar(&peerFlags, "peer", nil, "peer as id=addr (repeatable)")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger := newLogger(cfg.LogLevel).With().Str("node", cfg.NodeID).Logger()

	logger.Info().
		Str("raft_addr", cfg.RaftAddr).
		Str("api_addr", cfg.APIAddr).
		Str("wal_dir", cfg.WALDir).
		Int("peers", len(cfg.PeerAddrs())).
		Msg("starting node")

	trans := transport.NewGRPC(cfg.RaftAddr, cfg.PeerAddrs(), logger)
	if err := trans.Start(); err != nil {
		return err
	}

	node, err := raft.Open(cfg.Raft(), trans, logger)
	if err != nil {
		trans.Stop()
		return err
	}
	trans.SetNode(node)
	node.Start()

	apiServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewHandler(node, logger),
	}
	go func() {
		logger.Info().Str("addr", cfg.APIAddr).Msg("http api listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http api failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiServer.Shutdown(ctx)
	trans.Stop()
	node.Stop()

	logger.Info().Msg("shutdown complete")
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
