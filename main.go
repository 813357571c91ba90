package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/marshview/dirsync/auth"
	"github.com/marshview/dirsync/filter"
	"github.com/marshview/dirsync/models"
	"github.com/marshview/dirsync/schema"
	"github.com/marshview/dirsync/sources"
	"github.com/marshview/dirsync/store"
	syncsvc "github.com/marshview/dirsync/sync"
	"github.com/marshview/dirsync/transport"
	"github.com/marshview/dirsync/writer"
)

var version = "0.3.2"
var once bool = false

func main() {
	Execute()
}

func Execute() {
	rootCmd.Flags().BoolVarP(&once, "once", "o", false, "run a single sync cycle and exit instead of scheduling")

	if err := rootCmd.Execute(); err != nil {
		log.WithFields(log.Fields{"Error": err}).Fatalln("error using dirsync")
		os.Exit(1)
	}
	os.Exit(0)
}

var rootCmd = &cobra.Command{
	Use:     "dirsync [PATH_TO_CONFIG_JSON]",
	Version: version,
	Short:   "dirsync - directory sync daemon",
	Long:    `dirsync periodically pulls device records from an OAuth2-protected directory API and reconciles them into one or more SQL databases, evolving table schemas as the upstream data changes.`,
	Args:    cobra.MaximumNArgs(1),
	RunE: func(command *cobra.Command, args []string) error {
		log.SetFormatter(&log.JSONFormatter{})

		// Default to config.json if no path is provided
		cfgPath := "config.json"
		if len(args) > 0 {
			cfgPath = args[0]
		} else {
			log.Info("no config JSON path provided, defaulting to config.json")
		}

		cfg, err := models.Load(cfgPath)
		if err != nil {
			log.WithFields(log.Fields{"Error": err}).Errorln("failed to load config")
			return fmt.Errorf("error loading config: %w", err)
		}

		if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
			log.SetLevel(level)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, backends, err := buildService(cfg)
		if err != nil {
			log.WithFields(log.Fields{"Error": err}).Errorln("failed to start")
			return err
		}
		defer func() {
			for _, b := range backends {
				if err := b.Close(); err != nil {
					log.WithFields(log.Fields{"backend": b.Name(), "Error": err}).Warn("error closing backend")
				}
			}
		}()

		if once {
			svc.Warm(ctx)
			results := svc.RunOnce(ctx)
			for _, res := range results {
				if res.Err != nil {
					return fmt.Errorf("sync of %s failed: %w", res.Endpoint, res.Err)
				}
			}
			return nil
		}

		if err := svc.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		log.Info("shutting down")
		return nil
	},
}

func buildService(cfg *models.AppConfig) (*syncsvc.Service, []store.Backend, error) {
	backends, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening storage backends: %w", err)
	}

	tokens := auth.New(cfg.ClientID, cfg.ClientSecret, cfg.ResolvedTokenURL(), []string{cfg.Scope})

	limiter := transport.NewLimiter(cfg.RateLimit.RequestsPerMinute)
	initial, max := cfg.RateLimit.ParseRetryDelays()
	retry := transport.RetryConfig{
		MaxAttempts:  cfg.RateLimit.MaxRetries,
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   cfg.RateLimit.Multiplier,
		Jitter:       cfg.RateLimit.Jitter,
	}
	client := transport.NewClient(limiter, retry, cfg.ParseHTTPTimeout())

	osFilter := filter.New(cfg.DeviceOSFilter)
	fetcher := sources.NewFetcher(client, tokens, osFilter)

	svc := syncsvc.New(cfg, fetcher, backends, schema.NewManager(), writer.New(), models.LogEmitter{})
	return svc, backends, nil
}
