package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/guardianlink/project/internal/app/taskauthority"
	clientapi "github.com/guardianlink/project/internal/client/api"
	"github.com/guardianlink/project/internal/client/channel"
	"github.com/guardianlink/project/internal/client/connectivity"
	"github.com/guardianlink/project/internal/client/localstore"
	"github.com/guardianlink/project/internal/client/syncengine"
	"github.com/guardianlink/project/internal/contracts"
	"github.com/guardianlink/project/internal/platform/env"
)

// sync-agent is the headless client: it keeps the local task mirror in sync
// with the server, queues mutations made while offline, and listens on the
// notification channel. Interactive surfaces talk to the same local store.
func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverURL := strings.TrimRight(env.String("SERVER_URL", "http://localhost:3001"), "/")
	dbPath := env.String("DB_PATH", defaultDBPath())
	name := env.String("USER_NAME", "")
	password := env.String("USER_PASSWORD", "")
	fetchInterval := env.Duration("FETCH_INTERVAL", 30*time.Second)
	probeInterval := env.Duration("PROBE_INTERVAL", 5*time.Second)
	if name == "" || password == "" {
		log.Fatal("USER_NAME and USER_PASSWORD are required")
	}

	store, err := localstore.Open(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	api := clientapi.New(serverURL)
	auth, err := api.Login(runCtx, name, password)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("logged in as %s (%s)", auth.User.Name, auth.User.Role)

	monitor := connectivity.NewMonitor()
	engine := syncengine.New(store, api, monitor.Online, auth.User.ID, auth.User.Role)
	// Headless: no human to prompt, so conflicts accept the authority's
	// value. Interactive surfaces supply their own resolver.
	engine.Resolve = syncengine.ResolverFunc(func(task contracts.Task, conflict *taskauthority.ConflictError) bool {
		log.Printf("conflict on task %s: keeping authority status %s", task.ID, conflict.CurrentStatus)
		return false
	})

	monitor.OnOnline(func() {
		if err := engine.Sync(runCtx); err != nil {
			log.Printf("sync after reconnect: %v", err)
		}
	})

	go probeLoop(runCtx, monitor, serverURL, probeInterval)
	go fetchLoop(runCtx, engine, monitor, fetchInterval)
	go channelLoop(runCtx, engine, monitor, serverURL, api.Token)

	<-runCtx.Done()
	fmt.Println("sync-agent stopped")
}

// probeLoop derives the connectivity flag from the server's health endpoint.
func probeLoop(ctx context.Context, monitor *connectivity.Monitor, serverURL string, interval time.Duration) {
	client := &http.Client{Timeout: 3 * time.Second}
	probe := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/healthz", nil)
		if err != nil {
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			monitor.SetOnline(false)
			return
		}
		resp.Body.Close()
		monitor.SetOnline(resp.StatusCode == http.StatusOK)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// fetchLoop is the catch-up mechanism for dropped notifications.
func fetchLoop(ctx context.Context, engine *syncengine.Engine, monitor *connectivity.Monitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !monitor.Online() {
				continue
			}
			if err := engine.Fetch(ctx); err != nil {
				log.Printf("fetch poll: %v", err)
			}
		}
	}
}

// channelLoop keeps a notification connection while online. When the channel
// exhausts its retry budget it stays down until the next pass; polling
// remains the data path.
func channelLoop(ctx context.Context, engine *syncengine.Engine, monitor *connectivity.Monitor, serverURL, token string) {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	for {
		if ctx.Err() != nil {
			return
		}
		if !monitor.Online() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		ch := channel.New(wsURL, token, func(msg contracts.Message) {
			if err := engine.ApplyEvent(ctx, msg); err != nil {
				log.Printf("apply %s event: %v", msg.Kind, err)
			}
		})
		ch.OnUnavailable = func() {
			log.Printf("notification channel unavailable, relying on polling")
		}
		if err := ch.Run(ctx); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "guardianlink.db"
	}
	return filepath.Join(home, ".guardianlink.db")
}
