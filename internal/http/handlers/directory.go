package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/docfollow/internal/directory"
	"github.com/wolfman30/docfollow/pkg/logging"
)

// DirectoryStore is the writable patient and doctor directory.
type DirectoryStore interface {
	Directory
	SavePatient(ctx context.Context, p *directory.Patient) error
	SaveDoctor(ctx context.Context, d *directory.Doctor) error
}

// DirectoryHandler maintains doctors and patients. Records normally arrive
// from the clinic's own systems through these endpoints.
type DirectoryHandler struct {
	store  DirectoryStore
	logger *logging.Logger
}

func NewDirectoryHandler(store DirectoryStore, logger *logging.Logger) *DirectoryHandler {
	if store == nil {
		panic("handlers: directory store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DirectoryHandler{store: store, logger: logger}
}

func (h *DirectoryHandler) Routes(r chi.Router) {
	r.Put("/doctors/{doctorID}", h.PutDoctor)
	r.Get("/doctors/{doctorID}", h.GetDoctor)
	r.Put("/patients/{patientID}", h.PutPatient)
	r.Get("/patients/{patientID}", h.GetPatient)
}

func (h *DirectoryHandler) PutDoctor(w http.ResponseWriter, r *http.Request) {
	var d directory.Doctor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d.ID = chi.URLParam(r, "doctorID")
	if err := h.store.SaveDoctor(r.Context(), &d); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DirectoryHandler) GetDoctor(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.GetDoctor(r.Context(), chi.URLParam(r, "doctorID"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DirectoryHandler) PutPatient(w http.ResponseWriter, r *http.Request) {
	var p directory.Patient
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.ID = chi.URLParam(r, "patientID")
	if _, err := h.store.GetDoctor(r.Context(), p.DoctorID); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	err := h.store.SavePatient(r.Context(), &p)
	if errors.Is(err, directory.ErrPhoneTaken) {
		writeError(w, http.StatusConflict, "phone number already belongs to another patient")
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *DirectoryHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetPatient(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
