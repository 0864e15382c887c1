package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/soilsnap/edge/internal/store"
	"github.com/soilsnap/edge/internal/validation"
)

func TestWriteProblem(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/_sw/data/x", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, req, http.StatusNotFound, "Record not found")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Type != problemBase+"not-found" || p.Title != "Not Found" || p.Instance != "/_sw/data/x" {
		t.Errorf("problem = %+v", p)
	}
}

func TestWriteProblem_UnknownStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	WriteProblem(w, req, http.StatusTeapot, "short and stout")

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Type != problemBase+"unknown" || p.Title != http.StatusText(http.StatusTeapot) {
		t.Errorf("problem = %+v", p)
	}
}

func TestWriteProblemWithErrors(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/_sw/queue", nil)
	w := httptest.NewRecorder()

	WriteProblemWithErrors(w, req, "bad", []validation.ValidationError{{Field: "url", Message: "is required"}})

	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Status != http.StatusUnprocessableEntity || len(p.Errors) != 1 || p.Errors[0].Field != "url" {
		t.Errorf("problem = %+v", p)
	}
}

func TestMapStoreError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{store.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("put: %w", store.ErrInvalidRecord), http.StatusUnprocessableEntity},
		{fmt.Errorf("open: %w", store.ErrUnavailable), http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		w := httptest.NewRecorder()
		MapStoreError(w, req, tt.err)
		if w.Code != tt.status {
			t.Errorf("MapStoreError(%v) = %d, want %d", tt.err, w.Code, tt.status)
		}
	}
}

func TestMapStoreError_HidesInternalDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	MapStoreError(w, req, errors.New("sqlite: /var/lib/secret.db locked"))

	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail leaked: %q", p.Detail)
	}
}
