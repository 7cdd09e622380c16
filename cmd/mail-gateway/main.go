package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mikey/secure-mail-gateway/internal/adapters/auth"
	"github.com/mikey/secure-mail-gateway/internal/config"
	"github.com/mikey/secure-mail-gateway/internal/core"
	"github.com/mikey/secure-mail-gateway/internal/di"
	"github.com/mikey/secure-mail-gateway/internal/gateway"
	"github.com/mikey/secure-mail-gateway/internal/metrics"
	"github.com/mikey/secure-mail-gateway/internal/ports"
	"go.uber.org/zap"
)

var (
	configFile   = flag.String("config", "", "Path to config file (default: search standard locations)")
	hashPassword = flag.String("hash-password", "", "Print the bcrypt hash of a password for auth.users and exit")
)

func main() {
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to hash password: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// Build the dependency injection container
	container, err := di.BuildContainerWith(func() (*config.Config, error) {
		return config.NewFromFile(*configFile)
	})
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main application function that gets all dependencies injected
func run(
	logger *zap.Logger,
	gw *gateway.Manager,
	metricsServer *metrics.Server,
	classifier core.Classifier,
	store core.MessageStore,
	sinkClosers di.SinkClosers,
) error {
	defer logger.Sync()

	var services []ports.Service
	if metricsServer != nil {
		services = append(services, metricsServer)
	}
	services = append(services, gw)

	for i, svc := range services {
		if err := svc.Start(); err != nil {
			for _, started := range services[:i] {
				_ = started.Stop()
			}
			return err
		}
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down...", zap.String("signal", sig.String()))
	case <-gw.Done():
		logger.Error("Gateway stopped unexpectedly", zap.Error(gw.Err()))
	}

	// Stop in reverse start order
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(); err != nil {
			logger.Error("Failed to stop service", zap.Error(err))
		}
	}

	// Close any resources that need closing
	if closer, ok := classifier.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close classifier", zap.Error(err))
		}
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close message store", zap.Error(err))
		}
	}
	for _, c := range sinkClosers {
		if err := c.Close(); err != nil {
			logger.Error("Failed to close event sink", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
	return gw.Err()
}
