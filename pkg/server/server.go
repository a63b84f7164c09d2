// Package server exposes the submission endpoint and the result push
// channel. It owns no queue semantics: uploads go straight to the
// dispatcher, results arrive via the Hub.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/csvflow/csvflow/pkg/types"
)

// Submitter is the dispatcher as the upload endpoint sees it.
type Submitter interface {
	Submit(ctx context.Context, payload []byte, filename string, submittedAt time.Time) (types.TaskIdentity, bool, error)
}

// Server serves uploads, latest-result queries and the SSE stream.
type Server struct {
	submitter Submitter
	hub       *Hub
}

func New(submitter Submitter, hub *Hub) *Server {
	return &Server{submitter: submitter, hub: hub}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /data", s.handleData)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

type uploadResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	TaskID    string `json:"task_id"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	payload, filename, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, published, err := s.submitter.Submit(r.Context(), payload, filename, time.Now())
	if err != nil {
		log.Printf("[✗] Upload dispatch failed: %v\n", err)
		writeError(w, http.StatusBadGateway, "failed to queue file for processing")
		return
	}

	message := "CSV uploaded for processing"
	if !published {
		message = "identical content already queued"
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		Status:    "success",
		Message:   message,
		TaskID:    id.CompositeKey(),
		Duplicate: !published,
	})
}

// readUpload accepts either a multipart form with a "file" field or a
// raw CSV body.
func readUpload(r *http.Request) ([]byte, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("no file provided")
		}
		defer file.Close()
		payload, err := io.ReadAll(file)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read file: %w", err)
		}
		if len(payload) == 0 {
			return nil, "", fmt.Errorf("no file selected")
		}
		return payload, header.Filename, nil
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}
	if len(payload) == 0 {
		return nil, "", fmt.Errorf("no file provided")
	}
	return payload, "", nil
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	latest := s.hub.Latest()
	if latest == nil {
		writeError(w, http.StatusNotFound, "No data available yet")
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

// handleEvents streams results as server-sent events. New subscribers
// immediately receive the latest result if one exists.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates, cancel := s.hub.Subscribe()
	defer cancel()

	if latest := s.hub.Latest(); latest != nil {
		writeEvent(w, latest)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case result := <-updates:
			writeEvent(w, result)
			flusher.Flush()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeEvent(w io.Writer, result *types.Result) {
	body, err := json.Marshal(result)
	if err != nil {
		log.Printf("[!] Failed to marshal result event: %v\n", err)
		return
	}
	fmt.Fprintf(w, "event: csv_update\ndata: %s\n\n", body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
