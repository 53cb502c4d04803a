// Package admin serves the operational HTTP endpoints: health, Prometheus
// metrics and replica sync status.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ordersync/internal/consumer"
	"ordersync/internal/metrics"
	"ordersync/internal/model"
	"ordersync/internal/order"
	"ordersync/internal/service"
)

type Counter interface {
	Count() (int, error)
}

type AccountIndex interface {
	Counter
	GetByEmail(email string) (model.Account, bool, error)
}

// Lane is anything reporting a consumer lane state.
type Lane interface {
	State() consumer.State
}

// Orders is the read side of the order service.
type Orders interface {
	Get(ctx context.Context, id string) (order.Order, error)
	ListByOwner(ctx context.Context, owner int64) ([]order.Order, error)
}

type Deps struct {
	Orders   Orders
	Items    Counter
	Accounts AccountIndex
	Lanes    map[string]Lane
	Metrics  *metrics.Registry
	Logger   *slog.Logger
}

type Server struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

func NewServer(d Deps) *Server {
	lg := d.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Server{deps: d, log: lg.With("component", "admin"), now: func() time.Time { return time.Now().UTC() }}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	mux.HandleFunc("GET /sync/status", s.status)
	mux.HandleFunc("GET /sync/accounts/{email}", s.account)
	if s.deps.Orders != nil {
		mux.HandleFunc("GET /orders/{id}", s.order)
		mux.HandleFunc("GET /accounts/{id}/orders", s.ordersByOwner)
	}
	return mux
}

type statusResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Replicas  map[string]int    `json:"replicas,omitempty"`
	Lanes     map[string]string `json:"lanes,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Items.Count()
	if err == nil {
		var accounts int
		accounts, err = s.deps.Accounts.Count()
		if err == nil {
			resp := statusResponse{
				Status:    "SYNCHRONIZED",
				Message:   "all replicas hold records",
				Replicas:  map[string]int{"items": items, "accounts": accounts},
				Lanes:     make(map[string]string, len(s.deps.Lanes)),
				Timestamp: s.now(),
			}
			if items == 0 || accounts == 0 {
				resp.Status = "INCOMPLETE"
				resp.Message = "at least one replica is empty"
			}
			for name, l := range s.deps.Lanes {
				resp.Lanes[name] = l.State().String()
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}
	s.log.Warn("sync status failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, statusResponse{
		Status:    "ERROR",
		Message:   "error retrieving sync status: " + err.Error(),
		Timestamp: s.now(),
	})
}

type accountResponse struct {
	Email        string    `json:"email"`
	Synchronized bool      `json:"synchronized"`
	AccountID    int64     `json:"accountId,omitempty"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) account(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	acc, found, err := s.deps.Accounts.GetByEmail(email)
	if err != nil {
		s.log.Warn("account sync check failed", "email", email, "err", err)
		writeJSON(w, http.StatusInternalServerError, accountResponse{
			Email:     email,
			Message:   "error checking sync status: " + err.Error(),
			Timestamp: s.now(),
		})
		return
	}
	resp := accountResponse{Email: email, Synchronized: found, Message: "account not found in local replica", Timestamp: s.now()}
	if found {
		resp.AccountID = acc.ID
		resp.Message = "account is synchronized"
	}
	writeJSON(w, http.StatusOK, resp)
}

type orderResponse struct {
	order.Order
	Total string `json:"total"`
}

func (s *Server) order(w http.ResponseWriter, r *http.Request) {
	o, err := s.deps.Orders.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, service.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	if err != nil {
		s.log.Error("order lookup failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: o, Total: o.Total().StringFixed(2)})
}

func (s *Server) ordersByOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || owner <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "account id must be a positive integer"})
		return
	}
	list, err := s.deps.Orders.ListByOwner(r.Context(), owner)
	if err != nil {
		s.log.Error("order list failed", "owner", owner, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]orderResponse, 0, len(list))
	for _, o := range list {
		out = append(out, orderResponse{Order: o, Total: o.Total().StringFixed(2)})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs the admin server on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
