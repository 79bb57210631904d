package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pb "signal-hub/src/grpc_control"
	"signal-hub/src/logger"
	"signal-hub/src/metrics"
	"signal-hub/src/models"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var symbols = []string{"AAPL", "MSFT", "NVDA", "AMZN", "GOOG", "META", "TSLA", "AMD", "NFLX", "INTC"}

type report struct {
	delivered atomic.Uint64
	batches   atomic.Uint64
	latency   [models.NumPriorities]metrics.LatencyStats
}

// -----------------------------------------------------------------------------

func main() {
	wsAddr := flag.String("ws", "localhost:8000", "websocket host:port")
	grpcAddr := flag.String("grpc", "localhost:50051", "grpc control host:port")
	users := flag.Int("users", 200, "number of simulated users")
	perSecond := flag.Float64("rate", 500, "events published per second")
	duration := flag.Duration("duration", 30*time.Second, "how long to publish")
	flag.Parse()

	log := logger.NewLogger(nil, "LoadTest")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cc, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Critical("Failed to dial control server: %v", err)
		os.Exit(1)
	}
	defer cc.Close()
	control := pb.NewClient(cc)

	rep := &report{}
	g, gctx := errgroup.WithContext(ctx)

	// Subscribers
	for i := 0; i < *users; i++ {
		userID := fmt.Sprintf("load-user-%04d", i)
		picks := []string{symbols[i%len(symbols)], symbols[(i*7+3)%len(symbols)]}
		g.Go(func() error {
			return runSubscriber(gctx, *wsAddr, userID, picks, rep)
		})
	}

	// Give the subscribers time to register before publishing
	select {
	case <-time.After(time.Second):
	case <-gctx.Done():
	}

	var published, rejected atomic.Uint64
	g.Go(func() error {
		pctx, cancel := context.WithTimeout(gctx, *duration)
		defer cancel()
		limiter := rate.NewLimiter(rate.Limit(*perSecond), 1)
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			if err := limiter.Wait(pctx); err != nil {
				stop()
				return nil
			}
			event := models.MEvent{
				Type:       "pattern",
				Symbol:     symbols[rnd.Intn(len(symbols))],
				Confidence: rnd.Float64(),
				Priority:   models.Priority(rnd.Intn(models.NumPriorities)),
				CreatedAt:  time.Now(),
			}
			if _, err := control.Broadcast(pctx, event); err != nil {
				rejected.Add(1)
				continue
			}
			published.Add(1)
		}
	})

	if err := g.Wait(); err != nil {
		log.Error("Load test aborted: %v", err)
	}

	log.Info("Published %d events (%d rejected), delivered %d events in %d batches",
		published.Load(), rejected.Load(), rep.delivered.Load(), rep.batches.Load())
	for p := models.PriorityLow; p <= models.PriorityCritical; p++ {
		v := rep.latency[p].Snapshot().View()
		log.Info("%-8s count=%d avg=%.2fms min=%.2fms max=%.2fms", p, v.Count, v.AvgMs, v.MinMs, v.MaxMs)
	}

	hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if snap, err := control.HealthSnapshot(hctx); err == nil {
		out, _ := json.MarshalIndent(snap, "", "  ")
		log.Info("Engine health:\n%s", out)
	}
}

// -----------------------------------------------------------------------------

// runSubscriber connects one user, subscribes and records delivery latency
// until ctx is cancelled.
func runSubscriber(ctx context.Context, addr, userID string, picks []string, rep *report) error {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws", RawQuery: "user_id=" + url.QueryEscape(userID)}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%s: dial: %w", userID, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	cmd := models.MClientCommand{
		Action:   models.ActionSubscribe,
		Criteria: &models.MCriteria{EventType: "pattern", Symbols: picks},
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("%s: subscribe: %w", userID, err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: read: %w", userID, err)
		}

		var batch models.MEventBatch
		if err := json.Unmarshal(data, &batch); err != nil || batch.Type != models.MessageEventBatch {
			continue
		}
		now := time.Now()
		rep.batches.Add(1)
		for _, e := range batch.Events {
			rep.delivered.Add(1)
			rep.latency[batch.Priority].Observe(now.Sub(e.CreatedAt))
		}
	}
}
