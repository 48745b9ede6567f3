package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/arenabuilder"
	appcfg "github.com/syntaxsurge/escrowzy-okx-sub005/internal/config"
)

func main() {
	_ = godotenv.Load()
	open := func(ctx context.Context) (*arenabuilder.Deps, error) {
		cfg, err := appcfg.Load()
		if err != nil {
			return nil, err
		}
		return arenabuilder.New(ctx, cfg, zap.NewNop())
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(open).ExecuteContext(ctx); err != nil {
		log.Printf("battlectl: %v", err)
		stop()
		os.Exit(1)
	}
}
