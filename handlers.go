package main

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mjiwon/cribwatch/internal/broker"
	"github.com/mjiwon/cribwatch/internal/watch"
)

// Modes served by the index page.
const (
	modeCapture = 0
	modeViewer  = 1
)

// reqCtx is the context injected into every request.
type reqCtx struct {
	app *App
}

// jsonResp is the envelope for all JSON API responses.
type jsonResp struct {
	Error *string     `json:"error"`
	Data  interface{} `json:"data"`
}

// tpl is the envelope for all HTML template executions.
type tpl struct {
	Config *broker.Config
	Data   tplData
}

type tplData struct {
	Title string
	Room  string
	Mode  int

	// Monitoring configuration serialized for the page scripts.
	Watch template.JS
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	return true
}}

// handleIndex renders the capture or the viewer document depending on the
// numeric `mode` query parameter. The room key is passed through opaquely.
func handleIndex(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	mode := modeCapture
	if m, err := strconv.Atoi(r.URL.Query().Get("mode")); err == nil {
		mode = m
	}

	tplName := "capture"
	if mode == modeViewer {
		tplName = "viewer"
	}

	// The page config is the monitoring config plus the connectivity bits
	// the in-browser negotiator needs.
	wc, err := json.Marshal(struct {
		watch.Config
		STUNServers []string `json:"stun_servers"`
	}{app.watchCfg, app.cfg.STUNServers})
	if err != nil {
		app.logger.Printf("error marshalling watch config: %v", err)
		respondHTML(tplName, tplData{}, http.StatusInternalServerError, w, app)
		return
	}

	// Disable browser caching.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	respondHTML(tplName, tplData{
		Title: app.cfg.Name,
		Room:  r.URL.Query().Get("room"),
		Mode:  mode,
		Watch: template.JS(wc),
	}, http.StatusOK, w, app)
}

// handleWS handles incoming connections.
func handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value("ctx").(*reqCtx)
		app = ctx.app
	)

	// Create the WS connection.
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.logger.Printf("Websocket upgrade failed: %s: %v", r.RemoteAddr, err)
		return
	}

	// Register the connection with the broker. Room admission happens via
	// the create-or-join message, not the URL.
	p := broker.NewPeer(uuid.NewString(), ws, app.broker)
	go p.RunListener()
	go p.RunWriter()
}

// handleRoomStatus reports a room's occupancy.
func handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	var (
		ctx    = r.Context().Value("ctx").(*reqCtx)
		app    = ctx.app
		roomID = chi.URLParam(r, "roomID")
	)

	if roomID == "" {
		respondJSON(w, nil, errors.New("invalid room key"), http.StatusBadRequest)
		return
	}

	n := app.broker.Occupancy(roomID)
	respondJSON(w, struct {
		Key       string `json:"key"`
		Occupants int    `json:"occupants"`
		Full      bool   `json:"full"`
	}{roomID, n, n >= 2}, nil, http.StatusOK)
}

// handlePoseReport evaluates one frame of poses reported by a capture page
// and tells it whether the posture is hazardous and whether to alert now.
func handlePoseReport(w http.ResponseWriter, r *http.Request) {
	var (
		ctx    = r.Context().Value("ctx").(*reqCtx)
		app    = ctx.app
		roomID = chi.URLParam(r, "roomID")
	)

	if roomID == "" {
		respondJSON(w, nil, errors.New("invalid room key"), http.StatusBadRequest)
		return
	}

	var report watch.PoseReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		respondJSON(w, nil, errors.New("malformed pose report"), http.StatusBadRequest)
		return
	}

	st, err := app.monitor.Observe(roomID, report, app.watchCfg)
	if err != nil {
		respondJSON(w, nil, err, http.StatusInternalServerError)
		return
	}
	respondJSON(w, st, nil, http.StatusOK)
}

// respondJSON responds to an HTTP request with a generic payload or an error.
func respondJSON(w http.ResponseWriter, data interface{}, err error, statusCode int) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)

	out := jsonResp{Data: data}
	if err != nil {
		e := err.Error()
		out.Error = &e
	}
	b, err := json.Marshal(out)
	if err != nil {
		logger.Printf("error marshalling JSON response: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Write(b)
}

// respondHTML responds to an HTTP request with the HTML output of a given template.
func respondHTML(tplName string, data tplData, statusCode int, w http.ResponseWriter, app *App) {
	if statusCode > 0 {
		w.WriteHeader(statusCode)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := app.tpl.ExecuteTemplate(w, tplName, tpl{
		Config: app.cfg,
		Data:   data,
	})
	if err != nil {
		app.logger.Printf("error rendering template %s: %s", tplName, err)
		w.Write([]byte("error rendering template"))
	}
}

// wrap is a middleware that attaches the app context to HTTP handlers.
func wrap(next http.HandlerFunc, app *App) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), "ctx", &reqCtx{app: app})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
