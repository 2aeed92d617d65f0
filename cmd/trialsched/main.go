package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/determined-ai/trialsched/pkg/logger"
)

func main() {
	logger.SetLogrus(*logger.DefaultConfig())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Fatal("fatal error running trialsched")
	}
}
