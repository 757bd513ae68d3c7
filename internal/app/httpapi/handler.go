// Package httpapi exposes the session coordinator over REST plus a WebSocket
// stream for live state-change events.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	app "github.com/amicus-app/courtroom/internal/app"
	"github.com/amicus-app/courtroom/internal/app/fault"
	"github.com/amicus-app/courtroom/internal/app/metrics"
	"github.com/amicus-app/courtroom/internal/app/services/coordinator"
	"github.com/amicus-app/courtroom/internal/middleware"
	"github.com/amicus-app/courtroom/pkg/logger"
)

// handler bundles HTTP endpoints for the session coordinator.
type handler struct {
	app *app.Application
	log *logger.Logger
}

// NewHandler returns a router exposing the court session API.
func NewHandler(application *app.Application, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{app: application, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/state", h.state).Methods(http.MethodGet)
	r.HandleFunc("/serve", h.serve).Methods(http.MethodPost)
	r.HandleFunc("/accept", h.accept).Methods(http.MethodPost)
	r.HandleFunc("/cancel", h.cancel).Methods(http.MethodPost)
	r.HandleFunc("/evidence", h.evidence).Methods(http.MethodPost)
	r.HandleFunc("/verdict/accept", h.acceptVerdict).Methods(http.MethodPost)
	r.HandleFunc("/addendum", h.addendum).Methods(http.MethodPost)
	r.HandleFunc("/settle/request", h.settleRequest).Methods(http.MethodPost)
	r.HandleFunc("/settle/accept", h.settleAccept).Methods(http.MethodPost)
	r.HandleFunc("/settle/decline", h.settleDecline).Methods(http.MethodPost)
	r.HandleFunc("/priming/complete", h.primingComplete).Methods(http.MethodPost)
	r.HandleFunc("/joint/ready", h.jointReady).Methods(http.MethodPost)
	r.HandleFunc("/resolution/pick", h.resolutionPick).Methods(http.MethodPost)
	r.HandleFunc("/resolution/accept-partner", h.resolutionAcceptPartner).Methods(http.MethodPost)
	r.HandleFunc("/resolution/hybrid", h.resolutionHybrid).Methods(http.MethodPost)
	r.HandleFunc("/ws", h.websocket).Methods(http.MethodGet)

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) state(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	view, err := h.app.Coordinator.StateFor(r.Context(), userID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		PartnerID    string `json:"partner_id"`
		CoupleID     string `json:"couple_id"`
		JudgeType    string `json:"judge_type"`
		CaseLanguage string `json:"case_language"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := h.app.Coordinator.Serve(r.Context(), userID, payload.PartnerID, payload.CoupleID, payload.JudgeType, payload.CaseLanguage)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *handler) accept(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.Accept)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.Cancel)
}

func (h *handler) evidence(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Evidence string `json:"evidence"`
		Feelings string `json:"feelings"`
		Needs    string `json:"needs"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := h.app.Coordinator.SubmitEvidence(r.Context(), userID, payload.Evidence, payload.Feelings, payload.Needs)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) acceptVerdict(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.AcceptVerdict)
}

func (h *handler) addendum(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := h.app.Coordinator.SubmitAddendum(r.Context(), userID, payload.Text)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) settleRequest(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.RequestSettlement)
}

func (h *handler) settleAccept(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.AcceptSettlement)
}

func (h *handler) settleDecline(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.DeclineSettlement)
}

func (h *handler) primingComplete(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.MarkPrimingComplete)
}

func (h *handler) jointReady(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.MarkJointReady)
}

func (h *handler) resolutionPick(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var payload struct {
		ResolutionID string `json:"resolution_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := h.app.Coordinator.SubmitResolutionPick(r.Context(), userID, payload.ResolutionID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) resolutionAcceptPartner(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.AcceptPartnerResolution)
}

func (h *handler) resolutionHybrid(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.app.Coordinator.RequestHybridResolution)
}

// websocket subscribes the caller to their couple's live event room.
func (h *handler) websocket(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	view, err := h.app.Coordinator.StateFor(r.Context(), userID)
	if err != nil {
		writeFault(w, err)
		return
	}
	if err := h.app.Hub.ServeWS(w, r, view.Session.CoupleID); err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
	}
}

// simple handles the body-less POST operations that only need the caller.
func (h *handler) simple(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*coordinator.View, error)) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	view, err := op(r.Context(), userID)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, fault.New(fault.CodeForbidden, "unauthenticated"))
		return "", false
	}
	return userID, true
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writeFault maps a classified error onto its HTTP status, exposing the
// machine-readable code alongside the message.
func writeFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}
