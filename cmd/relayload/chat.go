package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/chatline/relay/internal/client"
	"github.com/chatline/relay/internal/loadstats"
	"github.com/chatline/relay/internal/protocol"
)

// runChat registers pairs of users, opens a direct conversation per pair
// and has both sides send messages until the chat duration ends.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	token := fs.String("token", "load", "Handshake token")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	ramp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message text in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous handshakes")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	total := *pairs * 2
	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, total, *url, *ramp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := loadstats.NewCollector()
	scraper := loadstats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// --- Phase 1: connect and register ---
	fmt.Println("\n--- Phase 1: Connect and register users ---")
	clients := rampUp(ctx, total, *ramp, *concurrency, func(ctx context.Context) (*client.Client, error) {
		c, err := dialTimed(ctx, *url, *token, collector)
		if err != nil {
			return nil, err
		}
		if _, err := c.CreateUser(ctx, "load-"+uuid.NewString()[:12]); err != nil {
			collector.AddError()
			c.Close()
			return nil, err
		}
		return c, nil
	})
	fmt.Printf("Phase 1 complete: %d/%d users (%d errors)\n", len(clients), total, collector.ErrorCount())

	if len(clients)%2 != 0 {
		clients[len(clients)-1].Close()
		clients = clients[:len(clients)-1]
	}
	if ctx.Err() != nil || len(clients) == 0 {
		fmt.Println("No pairs to run.")
		closeAll(clients)
		scraper.Stop()
		collector.Report(os.Stdout)
		return
	}

	// --- Phase 2: chat ---
	actualPairs := len(clients) / 2
	fmt.Printf("\n--- Phase 2: Running %d chat pairs ---\n", actualPairs)

	text := strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize]
	var completed atomic.Int64

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, recv := collector.Counts()
				fmt.Printf("  [chat] completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					completed.Load(), actualPairs, sent, recv, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < actualPairs; i++ {
		a, b := clients[i*2], clients[i*2+1]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer completed.Add(1)
			runPair(ctx, a, b, *chatDuration, *msgInterval, text, collector)
		}()
	}
	wg.Wait()
	close(progressStop)

	elapsed := time.Since(start)
	sent, recv := collector.Counts()
	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs:           %d\n", actualPairs)
	fmt.Printf("Messages sent:   %d\n", sent)
	fmt.Printf("Messages recv:   %d\n", recv)
	fmt.Printf("Chat duration:   %s\n", elapsed.Round(time.Millisecond))
	if elapsed > 0 && sent > 0 {
		fmt.Printf("Msg throughput:  %.1f msg/s\n", float64(sent)/elapsed.Seconds())
	}

	closeAll(clients)
	scraper.Stop()
	collector.Report(os.Stdout)
}

// chatter tracks one side of a pair: the temp ids it has in flight and
// when each was sent.
type chatter struct {
	c         *client.Client
	collector *loadstats.Collector

	mu       sync.Mutex
	inflight map[string]time.Time
}

func newChatter(c *client.Client, convID string, collector *loadstats.Collector) (*chatter, func()) {
	ch := &chatter{c: c, collector: collector, inflight: make(map[string]time.Time)}
	off := c.On(protocol.TypeNewMessage, func(data json.RawMessage) {
		var m protocol.NewMessageMsg
		if err := json.Unmarshal(data, &m); err != nil || m.ConversationID != convID {
			return
		}
		if m.SenderID != c.UserID() {
			collector.AddReceived()
			return
		}
		ch.mu.Lock()
		sentAt, ok := ch.inflight[m.TempID]
		delete(ch.inflight, m.TempID)
		ch.mu.Unlock()
		if ok {
			collector.AddMsgLatency(time.Since(sentAt))
		}
	})
	return ch, off
}

func (ch *chatter) send(convID, text string) {
	tempID := client.NewTempID()
	ch.mu.Lock()
	ch.inflight[tempID] = time.Now()
	ch.mu.Unlock()

	err := ch.c.Send(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ConversationID: convID,
		Text:           text,
		TempID:         tempID,
	})
	if err != nil {
		ch.mu.Lock()
		delete(ch.inflight, tempID)
		ch.mu.Unlock()
		ch.collector.AddError()
		return
	}
	ch.collector.AddSent()
}

func runPair(ctx context.Context, a, b *client.Client, duration, interval time.Duration, text string, collector *loadstats.Collector) {
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conv, err := a.OpenDirect(rctx, b.UserID())
	cancel()
	if err != nil {
		collector.AddError()
		return
	}

	ca, offA := newChatter(a, conv.ID, collector)
	defer offA()
	cb, offB := newChatter(b, conv.ID, collector)
	defer offB()

	cctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cctx.Done():
			// Let the last confirmations arrive.
			time.Sleep(interval / 2)
			return
		case <-ticker.C:
			ca.send(conv.ID, text)
			cb.send(conv.ID, text)
		}
	}
}
