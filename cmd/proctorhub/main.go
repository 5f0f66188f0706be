package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"proctorhub/internal/app"
	"proctorhub/internal/config"
)

// options are the command line overrides; zero values leave the loaded
// configuration untouched
type options struct {
	configPath string
	host       string
	port       int
	database   string
	identity   string
}

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
// Graceful shutdown on SIGINT/SIGTERM ensures proper resource cleanup
func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}
}

func parseFlags(args []string) (*options, error) {
	opts := &options{configPath: os.Getenv(config.EnvPrefix + "CONFIG_FILE")}

	flagSet := pflag.NewFlagSet("proctorhub", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", opts.configPath, "configuration file (.json, .jsonc, .yaml)")
	flagSet.StringVar(&opts.host, "host", "", "HTTP listen host")
	flagSet.IntVarP(&opts.port, "port", "p", 0, "HTTP listen port")
	flagSet.StringVar(&opts.database, "database", "", "SQLite database path")
	flagSet.StringVar(&opts.identity, "identity", "", "age identity file sealing provider secrets")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flagSet.Args())
	}
	return opts, nil
}

// loadConfig applies file > environment > defaults, then the flags on top
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(opts.configPath)
	if err != nil {
		return nil, err
	}

	if opts.host != "" {
		cfg.HTTP.Host = opts.host
	}
	if opts.port != 0 {
		cfg.HTTP.Port = opts.port
	}
	if opts.database != "" {
		cfg.Database.Path = opts.database
	}
	if opts.identity != "" {
		cfg.Crypto.IdentityPath = opts.identity
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ARCHITECTURAL DISCOVERY: Separate run function enables testing and error handling
// Signal handling ensures graceful shutdown in production environments
func run(args []string) error {
	// STEP 1: Flags, then configuration with precedence
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// STEP 2: Create application with configuration
	application, err := app.NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	// STEP 3: Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	// STEP 4: Start application
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("application error: %w", err)
	}

	// STEP 5: Wait for shutdown signal
	sig := <-signalCh
	log.Printf("Received signal %v, shutting down gracefully", sig)

	// FUNCTIONAL DISCOVERY: Timeout context prevents hanging shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
