package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/thumbcache/actions"
	"github.com/briangreenhill/thumbcache/cache"
	"github.com/briangreenhill/thumbcache/internal/auth"
	appmw "github.com/briangreenhill/thumbcache/internal/http/middleware"
	"github.com/briangreenhill/thumbcache/internal/jobs"
	"github.com/briangreenhill/thumbcache/internal/metrics"
	"github.com/briangreenhill/thumbcache/thumb"
)

const sessionAdminKey = "admin"

// Manager is the part of cache.Manager the handlers drive directly.
type Manager interface {
	SmartClear(ctx context.Context, stub bool) cache.Result
	InvalidateSitePostMeta(ctx context.Context, siteID, postID int64) cache.Result
}

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Server struct {
	Router    *chi.Mux
	Sess      *scs.SessionManager
	Admin     auth.AdminLink
	Manager   Manager
	Actions   *actions.Registry
	Stats     *metrics.LatencyTracker
	Queue     Enqueuer // optional; post-save hooks run inline without it
	AutoClear bool
	Log       zerolog.Logger
}

type ServerOptions struct {
	Sess      *scs.SessionManager
	Admin     auth.AdminLink
	Manager   Manager
	Actions   *actions.Registry
	Stats     *metrics.LatencyTracker
	Queue     Enqueuer
	AutoClear bool
	HookToken string
	Log       zerolog.Logger
}

// actionResponse is the body of every cache endpoint.
type actionResponse struct {
	Msg    string       `json:"msg"`
	Error  string       `json:"error,omitempty"`
	Result cache.Result `json:"result"`
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	s := &Server{
		Router:    r,
		Sess:      opts.Sess,
		Admin:     opts.Admin,
		Manager:   opts.Manager,
		Actions:   opts.Actions,
		Stats:     opts.Stats,
		Queue:     opts.Queue,
		AutoClear: opts.AutoClear,
		Log:       opts.Log,
	}
	if s.Sess == nil {
		s.Sess = scs.New()
	}

	r.Use(hlog.NewHandler(s.Log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.Sess.LoadAndSave)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})
	r.Get("/admin/login", s.handleLogin)

	r.With(appmw.RequireHookToken(opts.HookToken)).Post("/hooks/posts/{postID}/saved", s.handlePostSaved)
	r.With(appmw.RequireHookToken(opts.HookToken)).Post("/hooks/sites/{siteID}/posts/{postID}/saved", s.handlePostSaved)

	r.Group(func(pr chi.Router) {
		pr.Use(s.sessionToContext)
		pr.Use(appmw.RequireAdmin)
		pr.Post("/admin/cache/{action}", s.handleAction)
		pr.Get("/admin/stats", s.handleStats)
	})

	return s
}

func (s *Server) sessionToContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if admin := s.Sess.GetString(r.Context(), sessionAdminKey); admin != "" {
			r = r.WithContext(context.WithValue(r.Context(), appmw.AdminKey, admin))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	sub, err := s.Admin.Verify(r.URL.Query().Get("token"))
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("admin login rejected")
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	if err := s.Sess.RenewToken(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("renew session token")
		http.Error(w, "could not start session", http.StatusInternalServerError)
		return
	}
	s.Sess.Put(r.Context(), sessionAdminKey, sub)
	s.writeJSON(w, r, http.StatusOK, map[string]string{"msg": "logged in", "admin": sub})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "action")

	res, err := s.Actions.Run(r.Context(), name, r.Form.Get("url"))
	if err != nil {
		s.writeJSON(w, r, http.StatusNotFound, actionResponse{Msg: res.Message, Error: res.Kind(), Result: res})
		return
	}

	for _, sr := range actions.Sweep(r.Context(), s.Manager, s.AutoClear) {
		if sr.Status == cache.StatusFailed {
			hlog.FromRequest(r).Warn().Err(sr.Err).Str("op", sr.Op).Msg("sweep after action failed")
		}
	}

	hlog.FromRequest(r).Info().Str("action", name).Str("status", string(res.Status)).Int("count", res.Count).Msg("cache action")
	s.writeJSON(w, r, statusFor(res), actionResponse{Msg: res.Message, Error: res.Kind(), Result: res})
}

func (s *Server) handlePostSaved(w http.ResponseWriter, r *http.Request) {
	postID, err := strconv.ParseInt(chi.URLParam(r, "postID"), 10, 64)
	if err != nil || postID <= 0 {
		http.Error(w, "invalid post ID", http.StatusBadRequest)
		return
	}
	var siteID int64
	if raw := chi.URLParam(r, "siteID"); raw != "" {
		siteID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || siteID <= 0 {
			http.Error(w, "invalid site ID", http.StatusBadRequest)
			return
		}
	}

	if s.Queue != nil {
		task, err := jobs.NewPostSavedTask(siteID, postID)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("build post saved task")
			http.Error(w, "failed to queue job", http.StatusInternalServerError)
			return
		}
		info, err := s.Queue.EnqueueContext(r.Context(), task)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Int64("site_id", siteID).Int64("post_id", postID).Msg("enqueue post saved task")
			http.Error(w, "failed to queue job", http.StatusInternalServerError)
			return
		}
		hlog.FromRequest(r).Info().Str("task_id", info.ID).Int64("site_id", siteID).Int64("post_id", postID).Msg("post saved task queued")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	res := s.Manager.InvalidateSitePostMeta(r.Context(), siteID, postID)
	s.writeJSON(w, r, statusFor(res), actionResponse{Msg: res.Message, Error: res.Kind(), Result: res})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := []metrics.Stats{}
	if s.Stats != nil {
		stats = s.Stats.All()
	}
	s.writeJSON(w, r, http.StatusOK, stats)
}

// statusFor maps a result to an HTTP status: bad input is the caller's
// fault, other failures are ours.
func statusFor(r cache.Result) int {
	if r.Status != cache.StatusFailed {
		return http.StatusOK
	}
	for _, e := range []error{cache.ErrNoSourceURL, cache.ErrUndeterminedPattern, thumb.ErrUnsupported} {
		if errors.Is(r.Err, e) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}
