// Package web serves the status surface: a dashboard of active
// conversations, a health endpoint, and a WebSocket stream of runtime
// events.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yuin/goldmark"

	"github.com/hollisb/skillbridge/internal/buildinfo"
	"github.com/hollisb/skillbridge/internal/config"
	"github.com/hollisb/skillbridge/internal/events"
	"github.com/hollisb/skillbridge/internal/loop"
	"github.com/hollisb/skillbridge/internal/monitor"
)

// StateSource is the slice of the loop controller the dashboard reads.
type StateSource interface {
	Snapshot() ([]*loop.Conversation, error)
}

// Server is the status HTTP server.
type Server struct {
	cfg      config.WebConfig
	state    StateSource
	logger   *slog.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader
	tmpl     *template.Template
	httpSrv  *http.Server
}

// NewServer creates a Server. Call [Server.Start] to begin listening.
func NewServer(cfg config.WebConfig, state StateSource, logger *slog.Logger, bus *events.Bus) *Server {
	s := &Server{
		cfg:    cfg,
		state:  state,
		logger: logger,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		tmpl: template.Must(template.New("dashboard").Parse(dashboardTemplate)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web server: %w", err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	}
}

// conversationRow is the display-friendly wrapper for one active
// conversation.
type conversationRow struct {
	ID        string
	ChatID    string
	Elapsed   string
	LoopDepth int
	Status    string
	PhaseHTML template.HTML
}

type dashboardData struct {
	Version       string
	Uptime        string
	Conversations []conversationRow
}

// handleDashboard renders the active-conversation overview at "/".
// Only exact "/" requests get the dashboard; all other paths return
// 404.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	convs, err := s.state.Snapshot()
	if err != nil {
		s.logger.Error("dashboard snapshot failed", "error", err)
		http.Error(w, "state unavailable", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	data := dashboardData{
		Version: buildinfo.Version,
		Uptime:  monitor.FormatElapsed(buildinfo.Uptime()),
	}
	for _, conv := range convs {
		data.Conversations = append(data.Conversations, conversationRow{
			ID:        conv.ID,
			ChatID:    conv.ChatID,
			Elapsed:   monitor.FormatElapsed(now.Sub(conv.StartedAt)),
			LoopDepth: conv.LoopDepth,
			Status:    string(conv.Status),
			PhaseHTML: renderMarkdown(conv.LastPhase),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, data); err != nil {
		s.logger.Error("dashboard render failed", "error", err)
	}
}

// renderMarkdown converts a markdown fragment to sanitized-enough HTML
// for the dashboard. Goldmark escapes raw HTML in the source by
// default, so phase text cannot inject markup.
func renderMarkdown(md string) template.HTML {
	if md == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Truncate(time.Second).String(),
	})
}

// handleWS upgrades to a WebSocket and streams runtime events as JSON
// until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	// Drain client frames so close messages are processed; done tells
	// the writer the client is gone even when the bus is quiet.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

const dashboardTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8">
<title>skillbridge</title>
<style>
body { font-family: sans-serif; font-size: 14px; margin: 2em; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.4em 0.8em; text-align: left; }
th { background: #f0f0f0; }
.meta { color: #666; margin-bottom: 1em; }
</style>
</head><body>
<h1>skillbridge</h1>
<p class="meta">version {{.Version}} &middot; up {{.Uptime}}</p>
{{if .Conversations}}
<table>
<tr><th>Conversation</th><th>Chat</th><th>Elapsed</th><th>Continuations</th><th>Status</th><th>Current phase</th></tr>
{{range .Conversations}}
<tr><td>{{.ID}}</td><td>{{.ChatID}}</td><td>{{.Elapsed}}</td><td>{{.LoopDepth}}</td><td>{{.Status}}</td><td>{{.PhaseHTML}}</td></tr>
{{end}}
</table>
{{else}}
<p>No active conversations.</p>
{{end}}
</body></html>
`
