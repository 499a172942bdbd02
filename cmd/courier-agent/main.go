package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CourierBox/config"
	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	var cfgPath, partnerID string
	cmd := &cobra.Command{
		Use:          "courier-agent",
		Short:        "Headless driver console: delivery requests, OTP steps, location sampling",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("ошибка парсинга конфига, %w", err)
			}
			if partnerID != "" {
				cfg.Driver.PartnerID = partnerID
			}
			log, err := logging.New(cfg.Logging.Level)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			err = runAgent(ctx, cfg, defaultAgentFactories(), log, nil)
			if errors.Is(err, context.Canceled) {
				log.Info("courier-agent stopped")
				return nil
			}
			if err != nil {
				log.Error("courier-agent failed", zap.Error(err))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", os.Getenv("configPath"), "path to the YAML config")
	cmd.Flags().StringVar(&partnerID, "partner", "", "partner id, overrides driver.partner_id")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
