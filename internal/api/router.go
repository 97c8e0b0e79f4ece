package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)
	mux.Handle("GET /metrics", h.metrics)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/tenants/{tenant}/messages", h.ScheduleMessage)
	mux.HandleFunc("GET /v1/tenants/{tenant}/messages/pending", h.ListPending)
	mux.HandleFunc("GET /v1/tenants/{tenant}/messages/sent", h.ListSentMessages)
	mux.HandleFunc("GET /v1/tenants/{tenant}/messages/{id}", h.GetMessage)
	mux.HandleFunc("PUT /v1/tenants/{tenant}/messages/{id}/schedule", h.RescheduleMessage)
	mux.HandleFunc("POST /v1/tenants/{tenant}/messages/{id}/cancel", h.CancelMessage)
	mux.HandleFunc("GET /v1/tenants/{tenant}/credits", h.Credits)

	mux.HandleFunc("POST /v1/inbound", h.InboundMessage)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("scheduled-messaging"))
	})

	return mux
}
