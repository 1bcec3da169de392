// driftcrond is a demo host that wires an adapter, a Scheduler, metrics,
// and the WebSocket event hub together. It reads its configuration from
// the environment with manual parsing, the way the teacher's own
// control_plane/main.go does.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/driftcron/driftcron"
	"github.com/driftcron/driftcron/adapter"
	memoryadapter "github.com/driftcron/driftcron/adapter/memory"
	redisadapter "github.com/driftcron/driftcron/adapter/redisadapter"
	"github.com/driftcron/driftcron/eventhub"
	"github.com/driftcron/driftcron/observability"
)

func main() {
	ctx := context.Background()

	prefix := os.Getenv("SCHEDULER_PREFIX")
	if prefix == "" {
		prefix = "driftcron"
	}

	concurrency := driftcron.DefaultMaxConcurrency
	if v := os.Getenv("SCHEDULER_CONCURRENCY"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			concurrency = n
		}
	}

	zombieTime := driftcron.DefaultZombieTime
	if v := os.Getenv("SCHEDULER_ZOMBIE_TIME_SECONDS"); v != "" {
		var secs int
		fmt.Sscanf(v, "%d", &secs)
		if secs > 0 {
			zombieTime = time.Duration(secs) * time.Second
		}
	}

	var storageAdapter adapter.Adapter
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		redisAd, err := redisadapter.New(ctx, client, prefix)
		if err != nil {
			log.Fatalf("failed to initialize redis adapter: %v", err)
		}
		storageAdapter = redisAd
		log.Printf("using redis adapter at %s", redisAddr)
	} else {
		storageAdapter = memoryadapter.New()
		log.Println("REDIS_ADDR unset, using in-memory adapter (single instance only)")
	}

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry)

	hub := eventhub.New()
	go hub.Run(ctx)

	sched, err := driftcron.New(driftcron.Options{
		Adapter:           storageAdapter,
		Prefix:            prefix,
		ZombieTime:        zombieTime,
		MaxConcurrency:    concurrency,
		Metrics:           metrics,
		EventSink:         hub,
		AutoClear:         os.Getenv("SCHEDULER_AUTOCLEAR") == "true",
		OnError: func(d driftcron.ErrorDetail) {
			log.Printf("scheduler error: kind=%s uid=%s desc=%s err=%v", d.Kind, d.UID, d.Description, d.Err)
		},
		OnExecuted: func(d driftcron.ExecutedDetail) {
			log.Printf("scheduler executed: uid=%s delay=%s", d.UID, d.Delay)
		},
	})
	if err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Destroy()

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := sched.Ping(r.Context())
		if status.Err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "storage unavailable: %v", status.Err)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	http.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}
		hub.Register(conn)
	})

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("driftcrond listening on %s (prefix=%s concurrency=%d zombieTime=%s)", addr, prefix, concurrency, zombieTime)
	log.Fatal(http.ListenAndServe(addr, nil))
}
