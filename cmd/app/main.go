package main

import (
	"flag"
	"log"
	"os"

	"QuantLab/internal/di"
	"QuantLab/pkg/config"
	"QuantLab/pkg/server"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	mode := flag.String("mode", server.ModeRun, "run (one walk-forward), serve (HTTP API) or worker (queued runs)")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("env=%s mode=%s source=%s symbols=%v", cfg.Environment, *mode, cfg.Data.Source, cfg.Data.Symbols)

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	err = app.Run(*mode)
	cleanup()
	if err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
