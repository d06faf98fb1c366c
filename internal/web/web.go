// Package web serves the operator UI: a dashboard with session
// counters and room activity, per-room transcripts, and the action
// catalog. Pages are server-rendered; htmx swaps the content block on
// navigation when available and plain links work without it.
package web

import (
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/nugget/reeve/internal/actions"
	"github.com/nugget/reeve/internal/actors"
	"github.com/nugget/reeve/internal/memory"
)

//go:embed static/*
var staticFiles embed.FS

// Stats carries the session counters shown on the dashboard. The
// gateway owning the counters converts to this shape so the UI does
// not depend on who counts.
type Stats struct {
	Turns        int64
	LLMCalls     int64
	InputTokens  int64
	OutputTokens int64
	ActionCalls  int64
	Memories     int64
}

// PageData is the context shared by every page.
type PageData struct {
	BrandName string
	ActiveNav string
}

// Config wires the UI's data sources. Any of them may be nil; the
// affected page degrades rather than panics.
type Config struct {
	BrandName string
	Store     memory.Store
	Directory *actors.Store
	Registry  *actions.Registry
	StatsFunc func() Stats
	Logger    *slog.Logger
}

// UI renders the operator pages.
type UI struct {
	brandName string
	store     memory.Store
	directory *actors.Store
	registry  *actions.Registry
	statsFunc func() Stats
	logger    *slog.Logger
	templates map[string]*template.Template
}

// New creates the operator UI.
func New(cfg Config) *UI {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	brand := cfg.BrandName
	if brand == "" {
		brand = "Reeve"
	}
	return &UI{
		brandName: brand,
		store:     cfg.Store,
		directory: cfg.Directory,
		registry:  cfg.Registry,
		statsFunc: cfg.StatsFunc,
		logger:    logger.With("component", "web"),
		templates: loadTemplates(),
	}
}

// RegisterRoutes adds the UI routes to a mux. Pages live under /web so
// the JSON API keeps the root.
func (ui *UI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /web", ui.handleDashboard)
	mux.HandleFunc("GET /web/{$}", ui.handleDashboard)
	mux.HandleFunc("GET /web/rooms/{room}", ui.handleTranscript)
	mux.HandleFunc("GET /web/actions", ui.handleActions)

	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(sub))))
}

func (ui *UI) pageData(active string) PageData {
	return PageData{BrandName: ui.brandName, ActiveNav: active}
}
