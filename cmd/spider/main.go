package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spider/internal/app"
)

func main() {
	var (
		cfgPath string
		grace   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./spider.yaml", "path to config (yaml or json)")
	flag.DurationVar(&grace, "grace", 30*time.Second, "max time to let in-flight tasks finish on shutdown")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Run(ctx, grace); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
