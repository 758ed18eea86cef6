package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatline/relay/internal/client"
	"github.com/chatline/relay/internal/loadstats"
)

// runSaturate opens anonymous connections and keeps them idle for hold,
// which exercises the relay's poller and heartbeat at scale.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	token := fs.String("token", "load", "Handshake token")
	conns := fs.Int("conns", 1000, "Number of connections")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "How long to hold connections open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous handshakes")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Saturate: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*conns, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	clients := rampUp(ctx, *conns, *ramp, *concurrency, func(ctx context.Context) (*client.Client, error) {
		return dialTimed(ctx, *url, *token, collector)
	})
	fmt.Printf("Connected %d/%d (%d errors)\n", len(clients), *conns, collector.ErrorCount())

	dropped := 0
	select {
	case <-time.After(*hold):
	case <-ctx.Done():
		fmt.Println("Interrupted, closing connections.")
	}
	for _, c := range clients {
		select {
		case <-c.Done():
			dropped++
		default:
		}
	}
	if dropped > 0 {
		fmt.Printf("%d connections were dropped by the server while idle\n", dropped)
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}
