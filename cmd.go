package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "lrucached",
	Short: "lrucached - an in-memory LRU cache server",
	Long: `lrucached is an in-memory, byte-budgeted LRU cache server that
speaks a memcached text-protocol subset over TCP.

It supports four deployment profiles, selected with --network:
  st_block    - serial accept loop, one connection at a time
  mt_block    - goroutine-per-connection, bounded by --workers
  st_nonblock - single epoll event loop
  mt_nonblock - a pool of epoll event loops, --acceptors deep`,
	RunE: runServer,
}

// runServer configures and runs the server until a shutdown signal
// arrives, mirroring the original Application::Run's Configure/Start/
// wait-for-signal/Stop sequence.
func runServer(cmd *cobra.Command, args []string) error {
	config, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := parseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}
	logging := NewLoggingService(level)
	logger := logging.Select("cmd")

	logger.Infof("starting lrucached v%s", buildVersion)
	logger.Infof("%s", config.String())

	var storage Storage
	switch config.Storage {
	case "st_lru":
		storage = NewStore(config.MaxBytes)
	default:
		storage = NewSyncStore(NewStore(config.MaxBytes))
	}

	server := NewServer(config, storage, logging.Select("server"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := server.Start(); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	<-sigChan
	logger.Infof("shutdown signal received, draining")
	server.Stop()

	done := make(chan struct{})
	go func() {
		server.Join()
		close(done)
	}()

	select {
	case <-done:
		logger.Infof("shutdown complete")
	case <-time.After(config.Timeout + 5*time.Second):
		logger.Warnf("shutdown grace period exceeded, exiting anyway")
	}

	return nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := LoadConfig()
		if err != nil {
			return err
		}
		fmt.Println(config.String())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lrucached %s\n", buildVersion)
		fmt.Printf("built with %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("host", "H", "localhost", "Host to bind to")
	rootCmd.PersistentFlags().IntP("port", "p", 6379, "Port to listen on")
	rootCmd.PersistentFlags().String("storage", "mt_lru", "Storage mode (st_lru, mt_lru)")
	rootCmd.PersistentFlags().Int("max-bytes", 64*1024*1024, "Maximum total key+value bytes held by the store")
	rootCmd.PersistentFlags().String("network", "mt_block", "Network profile (st_block, mt_block, st_nonblock, mt_nonblock)")
	rootCmd.PersistentFlags().Int("workers", 4, "Worker goroutines for mt_block")
	rootCmd.PersistentFlags().Int("acceptors", 1, "Epoll event loops for mt_nonblock")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Idle connection timeout and shutdown grace period")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("storage", rootCmd.PersistentFlags().Lookup("storage"))
	viper.BindPFlag("max_bytes", rootCmd.PersistentFlags().Lookup("max-bytes"))
	viper.BindPFlag("network", rootCmd.PersistentFlags().Lookup("network"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("acceptors", rootCmd.PersistentFlags().Lookup("acceptors"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute is the CLI entry point.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
