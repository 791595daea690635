package bootstrap

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"realtime_server/adapter/in/ws"
	"realtime_server/internal/stream"
	"realtime_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"
)

// Mode selects which listeners a process runs.
type Mode string

const (
	ModeAll Mode = "all" // HTTP API + WebSocket
	ModeAPI Mode = "api" // HTTP API (notifications, SSE, channel reads)
	ModeWS  Mode = "ws"  // WebSocket only
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAll, ModeAPI, ModeWS:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q (want all, api or ws)", s)
}

func (m Mode) api() bool { return m == ModeAll || m == ModeAPI }
func (m Mode) ws() bool  { return m == ModeAll || m == ModeWS }

// Server owns the listeners and background loops of one node.
type Server struct {
	deps *Dependencies
	mode Mode

	app       *fiber.App
	wsHandler *ws.Handler
	wsServer  *nethttp.Server
	consumer  *stream.Consumer

	stopConsumer context.CancelFunc
	consumerDone chan struct{}
}

func NewServer(deps *Dependencies, mode Mode) *Server {
	cfg := deps.Config
	s := &Server{deps: deps, mode: mode}

	if mode.api() {
		s.app = NewAPI(deps)
	}

	if mode.ws() {
		s.wsHandler = ws.NewHandler(deps.Hub, deps.Resolver, ws.Config{
			MaxMessageSize: int64(cfg.WSMaxMessageSize),
			PingInterval:   cfg.WSPingInterval,
			PongWait:       cfg.WSPongWait,
			WriteWait:      cfg.WSWriteWait,
			CheckOrigin:    cfg.WSCheckOrigin,
			AllowedOrigins: cfg.WSAllowedOrigins,
		}, logger.Component("ws"))

		mux := nethttp.NewServeMux()
		mux.Handle("/ws", s.wsHandler)
		mux.HandleFunc("/health", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"ok","connections":%d}`, deps.Hub.ConnectionCount())
		})
		s.wsServer = &nethttp.Server{
			Addr:              ":" + cfg.WSPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.IngressEnabled && deps.Stream != nil {
		s.consumer = stream.NewConsumer(deps.Stream, deps.Notifier, stream.ConsumerConfig{
			Stream:     cfg.IngressStream,
			Name:       cfg.NodeID,
			BatchSize:  int64(cfg.IngressBatchSize),
			Block:      cfg.IngressBlock,
			MaxRetries: int64(cfg.IngressMaxRetries),
		}, logger.Component("ingress"))
	}

	return s
}

// Run serves until ctx is cancelled, then drains connections and stops the
// listeners within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.deps.Config

	// Stale entries from a previous process with the same node id.
	if s.deps.Mirror != nil {
		purgeCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		if n, err := s.deps.Mirror.PurgeNode(purgeCtx, cfg.NodeID); err != nil {
			logger.WithError(err).Warn("Connection mirror purge failed")
		} else if n > 0 {
			logger.Info("Purged %d stale mirrored connections", n)
		}
		cancel()
	}

	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.deps.Hub.RunSweeper(loopCtx)
		return nil
	})
	g.Go(func() error {
		s.deps.Hub.WatchBus(loopCtx)
		return nil
	})
	if s.consumer != nil {
		consumerCtx, stopConsumer := context.WithCancel(loopCtx)
		s.stopConsumer = stopConsumer
		s.consumerDone = make(chan struct{})
		g.Go(func() error {
			defer close(s.consumerDone)
			return s.consumer.Run(consumerCtx)
		})
	}

	if s.app != nil {
		g.Go(func() error {
			addr := ":" + cfg.Port
			logger.Info("HTTP API listening on %s", addr)
			if err := s.app.Listen(addr); err != nil {
				return fmt.Errorf("http api: %w", err)
			}
			return nil
		})
	}
	if s.wsServer != nil {
		g.Go(func() error {
			logger.Info("WebSocket server listening on %s", s.wsServer.Addr)
			if err := s.wsServer.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				return fmt.Errorf("websocket server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(cfg.ShutdownTimeout)
		stopLoops()
		return nil
	})

	logger.Info("Realtime node %s started (mode=%s)", cfg.NodeID, s.mode)
	return g.Wait()
}

// shutdown drains the node: refuse new connections, stop ingress, flush the
// bus, then notify and close every connection before stopping the listeners.
// Stores are closed by the dependency cleanup.
func (s *Server) shutdown(timeout time.Duration) {
	logger.Info("Shutting down realtime node...")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.deps.Hub.StopAccepting()
	// Hijacked WebSocket connections are not touched by Shutdown.
	if s.wsServer != nil {
		if err := s.wsServer.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("WebSocket server shutdown error")
		}
	}

	if s.stopConsumer != nil {
		s.stopConsumer()
		select {
		case <-s.consumerDone:
		case <-ctx.Done():
			logger.Warn("Ingress consumer did not stop in time")
		}
	}

	// Close waits for in-flight publishes.
	if err := s.deps.Bus.Close(); err != nil {
		logger.WithError(err).Warn("Bus close failed")
	}

	s.deps.Hub.Shutdown(ctx, "server shutdown")

	if s.wsHandler != nil {
		if err := s.wsHandler.Wait(ctx); err != nil {
			logger.WithError(err).Warn("WebSocket sessions did not finish in time")
		}
	}
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			logger.WithError(err).Warn("HTTP API shutdown error")
		}
	}
	s.deps.Notifier.Wait()

	if s.deps.Mirror != nil {
		if _, err := s.deps.Mirror.PurgeNode(ctx, s.deps.Config.NodeID); err != nil {
			logger.WithError(err).Warn("Connection mirror purge failed")
		}
	}
	logger.Info("Realtime node stopped")
}
