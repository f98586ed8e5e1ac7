package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sautiflow/sautiflow/internal/middleware"
	"github.com/sautiflow/sautiflow/internal/services"
)

type Router struct {
	store     Store
	auth      *services.AuthService
	questions *services.QuestionService
	engine    *services.SurveyEngine
}

// NewRouter wires the service layer on top of a Store. When sessions is nil
// the store's own session methods back the engine; a non-nil value lets the
// caller plug in a separate session backend (Redis).
func NewRouter(store Store, sessions services.SessionStore, signer services.TokenSigner) *Router {
	if sessions == nil {
		sessions = sessionAdapter{store: store}
	}
	return &Router{
		store:     store,
		auth:      services.NewAuthService(authAdapter{store: store}, signer),
		questions: services.NewQuestionService(adminAdapter{store: store}),
		engine:    services.NewSurveyEngine(catalogAdapter{store: store}, sessions, archiveAdapter{store: store}),
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	authed := func(h http.HandlerFunc) http.Handler { return middleware.RequireAuth(h) }
	mux.HandleFunc("/api/auth/register", rt.handleRegister)          // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)                // POST
	mux.Handle("/api/questions", authed(rt.handleQuestions))         // GET, POST
	mux.Handle("/api/questions/", authed(rt.handleQuestionByID))     // PUT, DELETE /api/questions/{id}; POST /api/questions/reorder
	mux.Handle("/api/tenant/settings", authed(rt.handleSettings))    // PUT
	mux.Handle("/api/feedback", authed(rt.handleFeedback))           // GET
	mux.Handle("/api/feedback/export", authed(rt.handleExport))      // GET
	mux.HandleFunc("/webhook/sms", rt.handleSMSWebhook)              // POST
	mux.HandleFunc("/health", rt.handleHealth)                       // GET
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service error codes to HTTP statuses; anything else
// is a 500 with a generic body so storage details never leak.
func writeServiceError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusInternalServerError
		switch se.Code {
		case services.ErrorInvalid:
			status = http.StatusBadRequest
		case services.ErrorUnauthorized:
			status = http.StatusUnauthorized
		case services.ErrorForbidden:
			status = http.StatusForbidden
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorConflict:
			status = http.StatusConflict
		case services.ErrorUnavailable:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": se.Message, "code": string(se.Code)})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func tenantID(r *http.Request) string {
	tid, _ := middleware.TenantIDFromContext(r.Context())
	return tid
}

// POST /api/auth/register — {email, password, tenant_name}
func (rt *Router) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		TenantName string `json:"tenant_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.Register(req.Email, req.Password, req.TenantName)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     res.Token,
		"tenant_id": res.TenantID,
		"user_id":   res.UserID,
		"shortcode": res.Shortcode,
	})
}

// POST /api/auth/login — {email, password}
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.Login(req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     res.Token,
		"tenant_id": res.TenantID,
		"user_id":   res.UserID,
		"shortcode": res.Shortcode,
	})
}

// GET /api/questions — list; POST /api/questions — create
func (rt *Router) handleQuestions(w http.ResponseWriter, r *http.Request) {
	tid := tenantID(r)
	switch r.Method {
	case http.MethodGet:
		qs, err := rt.questions.ListQuestions(tid)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]*Question, 0, len(qs))
		for _, q := range qs {
			out = append(out, fromServiceQuestion(q))
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": out})
	case http.MethodPost:
		var q Question
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		created, err := rt.questions.CreateQuestion(tid, toServiceQuestion(&q))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fromServiceQuestion(created))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// PUT/DELETE /api/questions/{id}; POST /api/questions/reorder
func (rt *Router) handleQuestionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/questions/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	tid := tenantID(r)
	if id == "reorder" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Order []string `json:"order"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, err := rt.questions.ReorderQuestions(tid, req.Order)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reordered": n})
		return
	}
	switch r.Method {
	case http.MethodPut:
		var q Question
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q.ID = id
		updated, err := rt.questions.UpdateQuestion(tid, toServiceQuestion(&q))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fromServiceQuestion(updated))
	case http.MethodDelete:
		if err := rt.questions.DeleteQuestion(tid, id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// PUT /api/tenant/settings — {shortcode, closing_message}
func (rt *Router) handleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Shortcode      string `json:"shortcode"`
		ClosingMessage string `json:"closing_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tenant, err := rt.questions.UpdateTenantSettings(tenantID(r), req.Shortcode, req.ClosingMessage)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fromServiceTenant(tenant))
}

// GET /api/feedback — finalized surveys for the caller's tenant
func (rt *Router) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tid := tenantID(r)
	if tid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	records, err := rt.store.ListFeedback(tid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback": records})
}

// GET /api/feedback/export — long-format CSV download
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tid := tenantID(r)
	if tid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	records, err := rt.store.ListFeedback(tid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	finalized := make([]*services.FinalizedFeedback, 0, len(records))
	for _, fb := range records {
		finalized = append(finalized, toServiceFeedback(fb))
	}
	data, err := services.ExportFeedbackCSV(services.FlattenFeedback(finalized))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="feedback.csv"`)
	_, _ = w.Write(data)
}

// GET /health
func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
