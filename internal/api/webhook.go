package api

import (
	"log"
	"net/http"
	"strings"

	"github.com/sautiflow/sautiflow/internal/services"
	"github.com/sautiflow/sautiflow/internal/utils"
)

// POST /webhook/sms — the gateway callback. Form-encoded per the aggregator
// convention: serviceCode (the tenant's shortcode), phoneNumber, text. The
// response body is plain text prefixed with "CON " (session stays open) or
// "END " (session over).
func (rt *Router) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	code := strings.TrimSpace(strings.ToLower(r.PostFormValue("serviceCode")))
	phone := utils.NormalizePhone(r.PostFormValue("phoneNumber"))
	text := r.PostFormValue("text")
	if code == "" || phone == "" {
		http.Error(w, "serviceCode and phoneNumber required", http.StatusBadRequest)
		return
	}

	tenant, err := rt.store.GetTenantByShortcode(code)
	if err != nil {
		log.Printf("webhook: shortcode lookup: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if tenant == nil {
		writeReply(w, services.ReplyEnd, "Unknown service. Goodbye.")
		return
	}

	reply, err := rt.engine.HandleMessage(r.Context(), tenant.ID, phone, text)
	if err != nil {
		if se, ok := services.AsServiceError(err); ok && se.Code == services.ErrorNotFound {
			writeReply(w, services.ReplyEnd, "Unknown service. Goodbye.")
			return
		}
		log.Printf("webhook: handle message: %v", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	writeReply(w, reply.Kind, reply.Text)
}

func writeReply(w http.ResponseWriter, kind services.ReplyKind, text string) {
	prefix := "END "
	if kind == services.ReplyContinue {
		prefix = "CON "
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(prefix + text))
}
