// Package server assembles the HTTP surface of the bench: manual stage and
// lock-in control for alignment, the lock, metrics, the live plot and the
// exported files.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.com/nasa-jpl/delayscan/generichttp"
	"github.com/nasa-jpl/delayscan/generichttp/ascii"
	"github.com/nasa-jpl/delayscan/generichttp/boxcar"
	"github.com/nasa-jpl/delayscan/generichttp/motion"
	"github.com/nasa-jpl/delayscan/server/middleware/locker"
	"github.com/nasa-jpl/delayscan/util"
)

// ReplyWithFile replies to the client request by serving the file fn from fldr
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, filepath.Base(fn)))
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(filePath)
	if err != nil {
		http.Error(w, fmt.Sprintf("source file missing %s", fn), http.StatusNotFound)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		http.Error(w, fmt.Sprintf("source file missing %s", fn), http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}

// Options say what to serve.  Nil members are left out.
type Options struct {
	// Stage is a motion controller, see motion.Inject
	Stage interface{}

	// Limits are soft limits per stage axis
	Limits map[string]util.Limiter

	// LockIn is a boxcar reader, see boxcar.Inject
	LockIn interface{}

	// Metrics is served at /metrics
	Metrics http.Handler

	// Live is served at /live
	Live http.Handler

	// LivePNG is served at /live.png
	LivePNG http.HandlerFunc

	// OutputDir is served read-only at /files/{name}
	OutputDir string

	Log *zap.Logger
}

// Server is the assembled router
type Server struct {
	chi.Router

	// Locker refuses control requests while locked
	Locker *locker.Locker

	endpoints []string
}

// New builds the router for o
func New(o Options) *Server {
	s := &Server{Router: chi.NewRouter(), Locker: locker.New()}
	s.Use(middleware.Recoverer)
	if o.Log != nil {
		s.Use(middleware.Logger)
	}
	s.Use(s.Locker.Check)

	root := generichttp.RouteTable{}
	locker.Inject(root, s.Locker)
	if o.OutputDir != "" {
		dir := o.OutputDir
		root[generichttp.MethodPath{Method: http.MethodGet, Path: "/files/{name}"}] = func(w http.ResponseWriter, r *http.Request) {
			ReplyWithFile(w, r, chi.URLParam(r, "name"), dir)
		}
	}
	root.Bind(s)
	s.collect("", root)

	if o.Stage != nil {
		stage := generichttp.RouteTable{}
		motion.Inject(o.Stage, stage)
		ascii.Inject(o.Stage, stage)
		var limits *motion.LimitMiddleware
		if mov, ok := o.Stage.(motion.Mover); ok && len(o.Limits) > 0 {
			limits = &motion.LimitMiddleware{Limits: o.Limits, Mov: mov}
			limits.Inject(stage)
		}
		s.mount("/stage", stage, limits)
	}
	if o.LockIn != nil {
		lock := generichttp.RouteTable{}
		boxcar.Inject(o.LockIn, lock)
		ascii.Inject(o.LockIn, lock)
		s.mount("/lockin", lock, nil)
	}
	if o.Metrics != nil {
		s.Method(http.MethodGet, "/metrics", o.Metrics)
		s.endpoints = append(s.endpoints, "GET /metrics")
	}
	if o.Live != nil {
		s.Method(http.MethodGet, "/live", o.Live)
		s.endpoints = append(s.endpoints, "GET /live")
	}
	if o.LivePNG != nil {
		s.Get("/live.png", o.LivePNG)
		s.endpoints = append(s.endpoints, "GET /live.png")
	}
	sort.Strings(s.endpoints)
	s.Get("/endpoints", s.HTTPEndpoints)
	return s
}

func (s *Server) mount(stem string, table generichttp.RouteTable, limits *motion.LimitMiddleware) {
	stem = generichttp.SubMuxSanitize(stem)
	s.Route(stem, func(r chi.Router) {
		if limits != nil {
			r.Use(limits.Check)
		}
		table.Bind(r)
	})
	s.collect(stem, table)
}

func (s *Server) collect(stem string, table generichttp.RouteTable) {
	for mp := range table {
		s.endpoints = append(s.endpoints, mp.Method+" "+stem+mp.Path)
	}
}

// Endpoints lists every route as "METHOD path", sorted
func (s *Server) Endpoints() []string {
	return append([]string(nil), s.endpoints...)
}

// HTTPEndpoints responds with Endpoints as JSON
func (s *Server) HTTPEndpoints(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.endpoints); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
