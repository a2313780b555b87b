package sitehttp

import (
	"errors"
	"net/http"

	"github.com/keystone-comms/keystone-web/internal/contact"
	"github.com/keystone-comms/keystone-web/internal/httpmw"
	"github.com/keystone-comms/keystone-web/internal/log"
	"github.com/keystone-comms/keystone-web/internal/ratelimit"
	"github.com/keystone-comms/keystone-web/internal/services"
)

// Contact outcomes, used as the metrics label.
const (
	OutcomeAccepted     = "accepted"
	OutcomeSpam         = "spam"
	OutcomeInvalid      = "invalid"
	OutcomeMalformed    = "malformed"
	OutcomeArchiveError = "archive_error"
)

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type contactResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id"`
}

type servicesResponse struct {
	Services []services.Service `json:"services"`
}

// HandleServices serves the service catalogue.
func (rt *Routes) HandleServices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	rt.writeJSON(r.Context(), w, http.StatusOK, servicesResponse{Services: services.Catalogue()})
}

// HandleContact accepts a contact form submission.
func (rt *Routes) HandleContact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	sub, err := contact.Parse(r, rt.now())
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, contact.ErrTooLarge):
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, contact.ErrUnsupportedMediaType):
			status = http.StatusUnsupportedMediaType
		}
		logger.Debug(ctx, "contact submission rejected", "error", err)
		rt.observe(OutcomeMalformed)
		rt.writeJSON(ctx, w, status, errorResponse{Error: http.StatusText(status)})
		return
	}
	sub.ClientID = ratelimit.ClientID(r, rt.clientIDHeader)
	sub.RequestID = httpmw.RequestIDFromContext(ctx)

	// bots get the same answer as people so they do not learn to skip the trap
	if sub.IsSpam() {
		logger.Info(ctx, "contact submission dropped by honeypot", "submission_id", sub.ID)
		rt.observe(OutcomeSpam)
		rt.writeJSON(ctx, w, http.StatusOK, contactResponse{OK: true, ID: sub.ID})
		return
	}

	if err := sub.Validate(); err != nil {
		var verr *contact.ValidationError
		if errors.As(err, &verr) {
			rt.observe(OutcomeInvalid)
			rt.writeJSON(ctx, w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Fields: verr.Fields})
			return
		}
		rt.observe(OutcomeMalformed)
		rt.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: http.StatusText(http.StatusBadRequest)})
		return
	}

	if err := rt.archiver.Archive(ctx, sub); err != nil {
		logger.Error(ctx, err, "contact submission could not be archived", "submission_id", sub.ID)
		rt.observe(OutcomeArchiveError)
		rt.writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "could not save your message, please try again later"})
		return
	}

	logger.Info(ctx, "contact submission accepted",
		"submission_id", sub.ID,
		"service", sub.Service,
	)
	rt.observe(OutcomeAccepted)
	rt.writeJSON(ctx, w, http.StatusOK, contactResponse{OK: true, ID: sub.ID})
}

func (rt *Routes) observe(outcome string) {
	if rt.metrics != nil {
		rt.metrics.IncContactSubmission(outcome)
	}
}
