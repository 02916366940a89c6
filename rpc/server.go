package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"noodles/native/credits"
	"noodles/native/services"
)

// Server exposes the read-only query surface: visibility records, balances,
// trade quotes, services, and execution state. Mutations never travel over
// HTTP; signing and submission are external concerns.
type Server struct {
	credits  *credits.Engine
	services *services.Engine
	log      *slog.Logger
	limiter  *rate.Limiter
}

// NewServer wires the query server. rps and burst bound the request rate
// across all clients.
func NewServer(creditsEngine *credits.Engine, servicesEngine *services.Engine, log *slog.Logger, rps float64, burst int) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		credits:  creditsEngine,
		services: servicesEngine,
		log:      log,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.throttle)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/visibilities/{id}", s.handleVisibility)
		r.Get("/visibilities/{id}/balances/{address}", s.handleCreditBalance)
		r.Get("/visibilities/{id}/quotes/{side}", s.handleQuote)
		r.Get("/services/{nonce}", s.handleService)
		r.Get("/services/{nonce}/executions/{executionNonce}", s.handleExecution)
	})
	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseAddressParam(raw string) ([20]byte, bool) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != 20 {
		return addr, false
	}
	copy(addr[:], decoded)
	return addr, true
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := s.credits.GetVisibility(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := credits.VisibilityKey(v.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            v.ID,
		"key":           "0x" + hex.EncodeToString(key[:]),
		"creator":       "0x" + hex.EncodeToString(v.Creator[:]),
		"hasCreator":    v.HasCreator,
		"totalSupply":   v.TotalSupply.String(),
		"claimableFees": v.ClaimableFees.String(),
	})
}

func (s *Server) handleCreditBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	addr, ok := parseAddressParam(chi.URLParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	balance, err := s.credits.GetVisibilityCreditBalance(id, addr)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	side := chi.URLParam(r, "side")
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	hasReferrer := r.URL.Query().Get("referrer") == "true"
	var quote *credits.Quote
	switch side {
	case "buy":
		quote, err = s.credits.BuyCostWithFees(id, amount, hasReferrer)
	case "sell":
		quote, err = s.credits.SellCostWithFees(id, amount, hasReferrer)
	default:
		writeError(w, http.StatusNotFound, "unknown quote side")
		return
	}
	if err != nil {
		if errors.Is(err, credits.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error("quote failed", "visibility", id, "err", err)
		writeError(w, http.StatusInternalServerError, "quote failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tradeCost":   quote.TradeCost.String(),
		"creatorFee":  quote.CreatorFee.String(),
		"protocolFee": quote.ProtocolFee.String(),
		"referrerFee": quote.ReferrerFee.String(),
		"total":       quote.Total.String(),
	})
}

func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	nonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid nonce")
		return
	}
	service, err := s.services.GetService(nonce)
	if err != nil {
		if errors.Is(err, services.ErrServiceNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nonce":           service.Nonce,
		"enabled":         service.Enabled,
		"serviceType":     service.ServiceType,
		"visibilityId":    service.VisibilityID,
		"creditsCost":     service.CreditsCost.String(),
		"executionsNonce": service.ExecutionsNonce,
	})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	serviceNonce, err := strconv.ParseUint(chi.URLParam(r, "nonce"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid service nonce")
		return
	}
	executionNonce, err := strconv.ParseUint(chi.URLParam(r, "executionNonce"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution nonce")
		return
	}
	state, requester, lastUpdate, err := s.services.GetServiceExecution(serviceNonce, executionNonce)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        state.String(),
		"requester":    "0x" + hex.EncodeToString(requester[:]),
		"lastUpdateTs": lastUpdate,
	})
}
