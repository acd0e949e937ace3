// Package web provides the HTTP dashboard for a single workspace: a status
// page rendering its current WorkspaceState, an SSE stream republishing its
// ui.Event broadcast live, and the rendered PRD.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/travissaylor/william/internal/ui"
	"github.com/travissaylor/william/internal/workspace"
	"github.com/travissaylor/william/internal/wstate"
)

// Server is the web dashboard HTTP server for one workspace.
type Server struct {
	port          int
	broadcast     *wstate.Broadcast
	workspaceDir  string
	workspaceName string

	srv *http.Server
}

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"symbol": storySymbol,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>william — {{.Workspace}}</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; background: #0d1117; color: #c9d1d9; }
h1 { color: #58a6ff; }
table { border-collapse: collapse; width: 100%; }
th, td { text-align: left; padding: 0.3rem 0.8rem; border-bottom: 1px solid #30363d; }
.passed { color: #3fb950; }
.skipped { color: #8b949e; }
.current { color: #d29922; }
.pending { color: #6e7681; }
#log { white-space: pre-wrap; background: #161b22; padding: 1rem; max-height: 40vh; overflow-y: auto; }
</style>
</head>
<body>
<h1>{{.Workspace}} ({{.Project}})</h1>
<p>branch: {{.Branch}} — {{.Passed}}/{{.Total}} passed, {{.Skipped}} skipped</p>
<table>
<tr><th></th><th>ID</th><th>Passes</th><th>Attempts</th></tr>
{{range .Stories}}
<tr class="{{.Class}}"><td>{{.Symbol}}</td><td>{{.ID}}</td><td>{{.Passes}}</td><td>{{.Attempts}}</td></tr>
{{end}}
</table>
<h2>Live events</h2>
<div id="log"></div>
<script>
const log = document.getElementById("log");
const src = new EventSource("/events");
src.onmessage = (e) => {
  const evt = JSON.parse(e.data);
  const line = document.createElement("div");
  line.textContent = "[" + evt.kind + "] " + (evt.storyId || "") + " " + (evt.text || evt.reason || "");
  log.prepend(line);
};
</script>
</body>
</html>
`))

type storyRow struct {
	ID       string
	Passes   string
	Attempts int
	Symbol   string
	Class    string
}

type dashboardData struct {
	Workspace string
	Project   string
	Branch    string
	Passed    int
	Skipped   int
	Total     int
	Stories   []storyRow
}

func storySymbol(passes wstate.Passes, isCurrent bool) string {
	switch {
	case isCurrent:
		return "→"
	case passes == wstate.PassesTrue:
		return "✓"
	case passes == wstate.PassesSkipped:
		return "⊘"
	default:
		return "·"
	}
}

// NewServer builds (but does not start) a dashboard server for the
// workspace at workspaceDir, republishing broadcast's events over SSE.
func NewServer(port int, broadcast *wstate.Broadcast, workspaceDir, workspaceName string) *Server {
	s := &Server{
		port:          port,
		broadcast:     broadcast,
		workspaceDir:  workspaceDir,
		workspaceName: workspaceName,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleDashboard)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/prd", s.handlePRD)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[william] web server error: %v\n", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) loadDashboardData() (*dashboardData, error) {
	st, err := wstate.Load(s.workspaceDir)
	if err != nil {
		return nil, err
	}

	data := &dashboardData{
		Workspace: st.Workspace,
		Project:   st.Project,
		Branch:    st.BranchName,
		Total:     len(st.StoryOrder),
	}
	for _, id := range st.StoryOrder {
		story := st.Stories[id]
		isCurrent := st.CurrentStory != nil && *st.CurrentStory == id
		switch story.Passes {
		case wstate.PassesTrue:
			data.Passed++
		case wstate.PassesSkipped:
			data.Skipped++
		}
		class := "pending"
		if isCurrent {
			class = "current"
		} else if story.Passes == wstate.PassesTrue {
			class = "passed"
		} else if story.Passes == wstate.PassesSkipped {
			class = "skipped"
		}
		data.Stories = append(data.Stories, storyRow{
			ID:       id,
			Passes:   string(story.Passes),
			Attempts: story.Attempts,
			Symbol:   storySymbol(story.Passes, isCurrent),
			Class:    class,
		})
	}
	return data, nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data, err := s.loadDashboardData()
	if err != nil {
		http.Error(w, fmt.Sprintf("loading workspace state: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handlePRD renders the workspace's prd.md as HTML via goldmark.
func (s *Server) handlePRD(w http.ResponseWriter, r *http.Request) {
	raw, err := workspaceReadPRD(s.workspaceDir)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading PRD: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := goldmark.Convert([]byte(raw), w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func workspaceReadPRD(workspaceDir string) (string, error) {
	raw, err := os.ReadFile(workspace.PRDPath(workspaceDir))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// writeSSEEvent encodes evt (a ui.Event boxed as any by Broadcast) as a
// single "data: ..." SSE message. Non-ui.Event payloads are skipped.
func writeSSEEvent(w http.ResponseWriter, evt any) {
	uiEvt, ok := evt.(ui.Event)
	if !ok {
		return
	}
	payload, err := json.Marshal(uiEvt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// handleEvents streams the broadcast's event history followed by live
// events as server-sent events, one JSON-encoded ui.Event per message.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := uuid.New().String()
	history, ch, unsub := s.broadcast.Subscribe()
	defer unsub()

	for _, evt := range history {
		writeSSEEvent(w, evt)
	}
	flusher.Flush()

	ctx := r.Context()
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": keepalive %s\n\n", clientID)
			flusher.Flush()
		}
	}
}
