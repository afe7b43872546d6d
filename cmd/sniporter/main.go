package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ewancrowle/sniporter/internal/api"
	"github.com/ewancrowle/sniporter/internal/config"
	"github.com/ewancrowle/sniporter/internal/metrics"
	"github.com/ewancrowle/sniporter/internal/relay"
	"github.com/ewancrowle/sniporter/internal/strategy"
	"github.com/ewancrowle/sniporter/internal/sync"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:          "sniporter",
	Short:        "TLS SNI router",
	Long:         `sniporter routes TLS connections to backends by the server name in their ClientHello, without terminating TLS.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the TCP relay and admin API",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sniporter %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ./config.yaml or ./config/config.yaml)")
	rootCmd.AddCommand(serveCmd, inspectCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadConfigFile(configPath)
	}
	return config.LoadConfig()
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Initialize strategies
	manager := strategy.NewStrategyManager()
	manager.Register(strategy.StrategySimple, strategy.NewSimpleStrategy())
	manager.Register(strategy.StrategyWildcard, strategy.NewWildcardStrategy())

	// 3. Load initial routes from config
	for _, r := range cfg.Routes {
		route := strategy.Route{FQDN: r.FQDN, Type: strategy.StrategyType(r.Type), Target: r.Target}
		if err := manager.Apply(route); err != nil {
			log.Printf("Warning: skipping route %s -> %s (%s): %v", r.FQDN, r.Target, r.Type, err)
			continue
		}
		log.Printf("Loaded route from config: %s -> %s (%s)", r.FQDN, r.Target, r.Type)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	// 4. Initialize Redis sync
	redisSync := sync.NewRedisSync(cfg, manager, m)
	if redisSync != nil {
		defer redisSync.Close()
		if err := redisSync.LoadInitialRoutes(ctx); err != nil {
			log.Printf("Warning: Failed to load initial routes from Redis: %v", err)
		}
		go redisSync.Subscribe(ctx)
	}

	// 5. Initialize and start TCP relay
	engine, err := relay.NewRelay(cfg, manager, m)
	if err != nil {
		return fmt.Errorf("failed to initialize TCP relay: %w", err)
	}

	relayErr := make(chan error, 1)
	go func() {
		relayErr <- engine.Start(ctx)
	}()

	// 6. Initialize and start API server
	server := api.NewServer(cfg, manager, redisSync, m)
	go func() {
		log.Printf("API Server listening on :%d", cfg.API.Port)
		if err := server.Start(); err != nil {
			log.Printf("API server error: %v", err)
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down sniporter...")
		err = <-relayErr
	case err = <-relayErr:
		cancel()
	}

	if shutdownErr := server.Shutdown(); shutdownErr != nil {
		log.Printf("API server shutdown error: %v", shutdownErr)
	}
	if err != nil {
		return fmt.Errorf("TCP relay error: %w", err)
	}
	return nil
}
