package cmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrei-cloud/duplextls/internal/executor"
	"github.com/andrei-cloud/duplextls/internal/server"
	"github.com/andrei-cloud/duplextls/pkg/bufpool"
	"github.com/andrei-cloud/duplextls/pkg/tlsduplex"
	"github.com/andrei-cloud/duplextls/pkg/tlsengine"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TLS duplex adapter server",
	Long: `Start the adapter server: accept raw TCP connections and drive
each one through the TLS duplex state machine, echoing decrypted bytes
back to the peer.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tlsConfig, err := buildTLSConfig()
		if err != nil {
			return err
		}

		pool := bufpool.NewPool(
			bufpool.WithIndexFunc(bufpool.LinearIndex(cfg.Pool.BucketFactor)),
			bufpool.WithMaxEntriesPerBucket(cfg.Pool.PrimaryMax*4),
			bufpool.WithDomainCap(bufpool.Heap, cfg.Pool.HeapCapBytes),
			bufpool.WithDomainCap(bufpool.DeviceMapped, cfg.Pool.DeviceMappedCapBytes),
		)
		exec := executor.New(runtime.NumCPU(), 256)

		renego := tlsduplex.RenegotiationPolicy{
			Allowed:             cfg.Renegotiation.Allowed,
			Limit:               cfg.Renegotiation.Limit,
			RequireCloseMessage: cfg.Renegotiation.RequireCloseMessage,
		}

		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		srv := server.NewServer(addr, tlsConfig, pool, exec, renego)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		// Periodic pool stats at debug level, for operators tailing logs.
		statsDone := make(chan struct{})
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					logPoolStats(pool)
				case <-statsDone:
					return
				}
			}
		}()

		stopChan := make(chan os.Signal, 1)
		signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-stopChan
		log.Info().Msgf("signal %v received, shutting down server", sig)
		close(statsDone)

		if err := srv.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop server")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		return exec.Stop(ctx)
	},
}

// buildTLSConfig loads the configured certificate pair, or generates an
// in-memory self-signed certificate when none is configured.
func buildTLSConfig() (*tls.Config, error) {
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}

		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	log.Warn().Msg("no certificate configured; generating a self-signed one")
	cert, err := tlsengine.GenerateSelfSignedCertificate("localhost")
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate: %w", err)
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func logPoolStats(pool *bufpool.Pool) {
	stats := pool.Stats()
	for _, b := range stats.Buckets {
		log.Debug().
			Str("event", "pool_stats").
			Str("domain", b.Domain.String()).
			Int("capacity", b.Capacity).
			Int("idle", b.Idle).
			Int64("acquires", b.Acquires).
			Int64("pooled_hits", b.PooledHits).
			Int64("evicts", b.Evicts).
			Float64("hit_ratio", b.HitRatio).
			Msg("bucket stats")
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "host address to bind to")
	serveCmd.Flags().Int("port", 8443, "port to listen on")
	serveCmd.Flags().String("cert", "", "path to TLS certificate file")
	serveCmd.Flags().String("key", "", "path to TLS private key file")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("tls.certfile", serveCmd.Flags().Lookup("cert"))
	viper.BindPFlag("tls.keyfile", serveCmd.Flags().Lookup("key"))
}
