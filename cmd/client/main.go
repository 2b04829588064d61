package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/colab/pkg/client"
	"github.com/astromechza/colab/pkg/localcache"
	"github.com/astromechza/colab/pkg/protocol"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:3001", "the address of the sync server")
	docVar := flag.String("doc", "default", "the scene document to join in scene mode")
	tokenVar := flag.String("token", "", "the credential presented when joining a scene")
	cacheVar := flag.String("cache", "", "optional path of the local cache file")
	modeVar := flag.String("mode", "records", "records or scene")
	flag.Parse()

	baseURL, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return fmt.Errorf("failed to parse addr: %w", err)
	}
	wsURL := *baseURL
	wsURL.Scheme = "ws"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *modeVar {
	case "records":
		return runRecords(ctx, wsURL.JoinPath("ws").String())
	case "scene":
		saver, err := client.NewRESTSaver(baseURL.String(), *tokenVar)
		if err != nil {
			return err
		}
		opts := client.SceneOptions{
			URL:        wsURL.JoinPath("ws", "documents").String(),
			DocumentID: *docVar,
			Credential: *tokenVar,
			Saver:      saver,
		}
		if *cacheVar != "" {
			cache, err := localcache.Open(*cacheVar)
			if err != nil {
				return err
			}
			defer cache.Close()
			opts.Cache = cache
		}
		return runScene(ctx, opts)
	default:
		return fmt.Errorf("unknown mode %q", *modeVar)
	}
}

func runRecords(ctx context.Context, endpoint string) error {
	replica := client.NewRecordsReplica(client.RecordsOptions{
		URL: endpoint,
		OnChange: func(records []protocol.Record) {
			slog.Info("records changed", "count", len(records))
		},
		OnMembers: func(n int) {
			slog.Info("members", "count", n)
		},
	})
	replica.Start()
	defer replica.Close()

	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			records := replica.Records()
			var err error
			switch {
			case len(records) < 3 || rand.Intn(3) == 0:
				err = replica.Create(fmt.Sprintf("item %d", rand.Intn(1000)))
			case rand.Intn(4) == 0:
				err = replica.Delete(records[rand.Intn(len(records))].ID)
			default:
				target := records[rand.Intn(len(records))]
				err = replica.Update(target.ID, fmt.Sprintf("%s*", target.Title))
			}
			if err != nil {
				slog.Warn("intent rejected", "state", replica.State().String(), "err", err)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping records client")
			return nil
		}
	}
}

type shape struct {
	ID string `json:"id"`
	X  int    `json:"x"`
	Y  int    `json:"y"`
}

type scene struct {
	Shapes []shape `json:"shapes"`
}

// logSurface stands in for an editor: it keeps the scene it was last shown.
type logSurface struct {
	mu      sync.Mutex
	current scene
}

func (s *logSurface) ApplyScene(document json.RawMessage) {
	var next scene
	if err := json.Unmarshal(document, &next); err != nil {
		slog.Warn("failed to decode scene", "err", err)
		return
	}
	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	slog.Info("applied remote scene", "shapes", len(next.Shapes))
}

// drag nudges a random shape, creating one if the scene is empty, and returns the new scene.
func (s *logSurface) drag() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.current.Shapes) == 0 {
		s.current.Shapes = append(s.current.Shapes, shape{ID: fmt.Sprintf("s%d", os.Getpid())})
	}
	i := rand.Intn(len(s.current.Shapes))
	s.current.Shapes[i].X += rand.Intn(11) - 5
	s.current.Shapes[i].Y += rand.Intn(11) - 5
	return json.Marshal(s.current)
}

func runScene(ctx context.Context, opts client.SceneOptions) error {
	opts.OnMembers = func(n int) {
		slog.Info("members", "count", n)
	}
	ctrl := client.NewSceneController(opts)
	surface := &logSurface{}
	ctrl.Start(ctx)
	ctrl.Attach(surface)
	defer ctrl.Close()

	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if rand.Intn(5) != 0 {
				continue
			}
			doc, err := surface.drag()
			if err != nil {
				return fmt.Errorf("failed to encode scene: %w", err)
			}
			ctrl.LocalChange(doc)
		case <-ctx.Done():
			slog.Info("stopping scene client", "state", ctrl.State().String())
			return nil
		}
	}
}
