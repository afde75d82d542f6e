package main

import (
	"flag"
	"log"

	"github.com/ideaforge/engine/config"
	"github.com/ideaforge/engine/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	dir := flag.String("dir", "file://migrations", "migrations source")
	direction := flag.String("direction", "up", "up or down")
	steps := flag.Int("steps", 0, "number of steps (0 = all)")
	flag.Parse()

	cfg := config.LoadConfig(*cfgPath)

	if err := store.Migrate(*dir, cfg.Storage.Postgres.DSN(), *direction, *steps); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("migrate %s: done", *direction)
}
