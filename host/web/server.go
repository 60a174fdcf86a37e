package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"quadenc/host/monitor"
	"quadenc/pcnt"
)

// Source provides the state_init snapshot
type Source interface {
	Snapshot() []monitor.State
}

// envelope is the wire format of every WebSocket message
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// EncoderData is the JSON form of one encoder
type EncoderData struct {
	OID       uint8   `json:"oid"`
	Label     string  `json:"label,omitempty"`
	PPR       uint32  `json:"ppr,omitempty"`
	Backend   string  `json:"backend,omitempty"`
	Clock     uint32  `json:"clock"`
	Count     int64   `json:"count"`
	Rotations int64   `json:"rotations"`
	Angle     float32 `json:"angle"`
	Velocity  float32 `json:"velocity"`
	RPM       float64 `json:"rpm"`
	Fallbacks uint32  `json:"fallbacks"`
	Reports   uint64  `json:"reports"`
}

type counterEventData struct {
	OID   uint8  `json:"oid"`
	Event string `json:"event"`
}

func encoderData(st monitor.State) EncoderData {
	return EncoderData{
		OID:       st.OID,
		Label:     st.Label,
		PPR:       st.Info.PPR,
		Backend:   st.Info.Backend,
		Clock:     st.Clock,
		Count:     st.Count,
		Rotations: st.Rotations,
		Angle:     st.Angle,
		Velocity:  st.Velocity,
		RPM:       st.RPM(),
		Fallbacks: st.Fallbacks,
		Reports:   st.Reports,
	}
}

func marshalEnvelope(typ string, at time.Time, data any) ([]byte, error) {
	ts := at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
}

// Server wires the hub to HTTP
type Server struct {
	logger *slog.Logger
	hub    *Hub
	src    Source
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer constructs the server. Register it on a mux, then start
// Hub().Run and RunBroadcaster.
func NewServer(logger *slog.Logger, src Source, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger,
		hub:    NewHub(logger, cfg.Hub),
		src:    src,
	}
}

func (s *Server) Hub() *Hub { return s.hub }

// Register installs the WebSocket handler and a JSON snapshot endpoint
func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleWS)
	mux.HandleFunc(path+"/snapshot", s.handleSnapshot)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) snapshot() []EncoderData {
	states := s.src.Snapshot()
	out := make([]EncoderData, 0, len(states))
	for _, st := range states {
		out = append(out, encoderData(st))
	}
	return out
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Warn("snapshot write failed", "error", err)
	}
}

// handleWS upgrades, registers the client and queues state_init
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Queue the snapshot before registering so it is the first frame
	initMsg, err := marshalEnvelope("state_init", time.Now(), s.snapshot())
	if err == nil {
		client.send <- initMsg
	}
	if !s.hub.join(client) {
		_ = conn.Close()
		return
	}

	// The request context ends when this handler returns, so the pumps
	// live on their own; the hub and connection errors end them.
	go client.writePump(context.Background())
	go client.readPump(context.Background())
}

// RunBroadcaster serializes monitor updates for the hub until ctx is done
// or updates is closed. State reports are coalesced per encoder (latest
// wins) and flushed once per window; info and counter events go out at
// once. A zero window disables coalescing.
func RunBroadcaster(ctx context.Context, hub *Hub, updates <-chan monitor.Update, window time.Duration, logger *slog.Logger) {
	if hub == nil || updates == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	pending := make(map[uint8]monitor.State)
	var order []uint8

	flush := func() {
		for _, oid := range order {
			msg, err := marshalEnvelope(monitor.KindState, time.Now(), encoderData(pending[oid]))
			if err != nil {
				logger.Warn("ws broadcaster marshal failed", "error", err, "oid", oid)
				continue
			}
			hub.BroadcastBytes(msg)
		}
		clear(pending)
		order = order[:0]
	}

	var tick <-chan time.Time
	if window > 0 {
		ticker := time.NewTicker(window)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case <-tick:
			flush()

		case up, ok := <-updates:
			if !ok {
				flush()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			switch up.Kind {
			case monitor.KindState:
				if _, seen := pending[up.State.OID]; !seen {
					order = append(order, up.State.OID)
				}
				pending[up.State.OID] = up.State
				if tick == nil {
					flush()
				}

			case monitor.KindInfo:
				msg, err := marshalEnvelope(up.Kind, time.Now(), encoderData(up.State))
				if err == nil {
					hub.BroadcastBytes(msg)
				}

			case monitor.KindEvent:
				data := counterEventData{OID: up.Event.OID, Event: pcnt.Event(up.Event.Event).String()}
				msg, err := marshalEnvelope(up.Kind, time.Now(), data)
				if err == nil {
					hub.BroadcastBytes(msg)
				}
			}
		}
	}
}

// ListenAndServe runs the hub, the broadcaster and an HTTP server on addr
// until ctx is done. path is where the WebSocket handler is registered.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string, updates <-chan monitor.Update, window time.Duration) error {
	mux := http.NewServeMux()
	s.Register(mux, path)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(ctx, s.hub, updates, window, s.logger)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("web server listening", "addr", addr, "path", path)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
