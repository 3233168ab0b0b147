package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"orderengine/internal/config"
	"orderengine/internal/intake"
)

func main() {
	var count, customers int
	var seed int64
	var outputFile, configPath string
	flag.IntVar(&count, "count", 100, "number of order requests to generate")
	flag.IntVar(&customers, "customers", 10, "number of distinct customers")
	flag.Int64Var(&seed, "seed", 0, "random seed (0 = time based)")
	flag.StringVar(&configPath, "config", "", "engine config YAML whose products to draw from")
	flag.StringVar(&outputFile, "output", "orders.jsonl", "output file")
	flag.Parse()

	if err := generateOrders(count, customers, seed, configPath, outputFile); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

func generateOrders(count, customers int, seed int64, configPath, outputFile string) error {
	if customers <= 0 {
		return fmt.Errorf("customers must be positive")
	}
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	products := make([]string, 0, len(cfg.Products))
	for _, p := range cfg.Products {
		products = append(products, p.ID)
	}
	ids := make([]string, customers)
	for i := range ids {
		ids[i] = fmt.Sprintf("CUST%03d", i)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	reqs := intake.Generate(rand.New(rand.NewSource(seed)), count, ids, products, time.Now().UTC().UnixMilli())
	if err := intake.WriteJSONL(file, reqs); err != nil {
		return err
	}

	log.Printf("generated %d orders for %d customers (%s) to %s", count, customers, strings.Join(products, ","), outputFile)
	return nil
}
