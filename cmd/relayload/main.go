// Command relayload drives load against a running relay.
//
//   - saturate: open N idle connections and hold them
//   - chat:     register user pairs, open direct conversations and exchange
//     messages, measuring send-to-confirmation latency
//
// Usage:
//
//	relayload <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chatline/relay/internal/client"
	"github.com/chatline/relay/internal/loadstats"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: relayload <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Open N idle connections and hold them")
	fmt.Println("  chat        Pairs of users open a direct conversation and exchange messages")
	fmt.Println()
	fmt.Println("Run 'relayload <command> -h' for command-specific options.")
}

// dialTimed connects one client and records its handshake latency.
func dialTimed(ctx context.Context, url, token string, collector *loadstats.Collector) (*client.Client, error) {
	start := time.Now()
	c, err := client.Dial(ctx, client.Options{URL: url, Token: token})
	if err != nil {
		collector.AddError()
		return nil, err
	}
	if err := c.WaitForSession(ctx); err != nil {
		collector.AddError()
		c.Close()
		return nil, err
	}
	collector.AddConnect(time.Since(start))
	return c, nil
}

// rampUp dials total clients spread across ramp, with at most concurrency
// handshakes in flight. It stops early when ctx ends.
func rampUp(ctx context.Context, total int, ramp time.Duration, concurrency int, dial func(context.Context) (*client.Client, error)) []*client.Client {
	interval := ramp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, total)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for launched := 0; launched < total; launched++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return clients
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := dial(dctx)
			if err != nil {
				return
			}
			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}()
	}
	wg.Wait()
	return clients
}

func closeAll(clients []*client.Client) {
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
