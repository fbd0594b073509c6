package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"github.com/coachpo/luxgrid/internal/app/records"
	"github.com/coachpo/luxgrid/internal/wire"
)

var (
	demoNames      = []string{"anchor", "beacon", "cable", "drill", "engine", "filter", "gasket", "hinge", "insulator", "jack"}
	demoCategories = []string{"hardware", "electrical", "plumbing", "tools"}
)

// demoRecord is deterministic in i so reseeding a database is idempotent.
func demoRecord(i int) wire.Record {
	return wire.Record{
		"id":       fmt.Sprintf("item-%04d", i),
		"name":     fmt.Sprintf("%s %d", demoNames[i%len(demoNames)], i/len(demoNames)+1),
		"category": demoCategories[i%len(demoCategories)],
		"quantity": float64((i * 37) % 250),
		"price":    math.Round((float64(i%90)+0.99)*100) / 100,
	}
}

func demoRecords(n int) []wire.Record {
	out := make([]wire.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, demoRecord(i))
	}
	return out
}

// runDemoTicker nudges the quantity of a random demo record on every tick,
// which pushes a record-update to every subscriber.
func runDemoTicker(ctx context.Context, logger *log.Logger, service *records.Service, interval time.Duration, count int) {
	if count <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			record := demoRecord(rand.N(count))
			record["quantity"] = float64(rand.N(250))
			if err := service.Upsert(ctx, record); err != nil && ctx.Err() == nil {
				logger.Printf("demo update %v: %v", record["id"], err)
			}
		}
	}
}
