package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.WebSocketHandler)

	// Worker API - polling and status reporting
	mux.HandleFunc("/work", s.app.WorkHandler.GetWorkHandler) // GET ?serviceID=
	mux.HandleFunc("/work/", s.app.WorkHandler.UpdateWorkHandler)

	// Callback ingress - per-service completion callbacks
	mux.HandleFunc("/jobs/", s.handleCallbackRoutes) // POST /jobs/{id}/response

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // Handles /api/jobs/{id} and subpaths

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes /api/jobs requests (list and create)
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		s.app.JobHandler.ListJobsHandler(w, r)
	case "POST":
		s.app.JobHandler.CreateJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes routes /api/jobs/{id} requests and subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if r.Method == "POST" {
		switch {
		case strings.HasSuffix(path, "/pause"):
			s.app.JobHandler.PauseJobHandler(w, r)
		case strings.HasSuffix(path, "/resume"):
			s.app.JobHandler.ResumeJobHandler(w, r)
		case strings.HasSuffix(path, "/cancel"):
			s.app.JobHandler.CancelJobHandler(w, r)
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
		return
	}

	if r.Method == "DELETE" {
		s.app.JobHandler.DeleteJobHandler(w, r)
		return
	}

	if r.Method == "GET" {
		switch {
		case strings.HasSuffix(path, "/links"):
			s.app.JobHandler.JobLinksHandler(w, r)
		case strings.HasSuffix(path, "/messages"):
			s.app.JobHandler.JobMessagesHandler(w, r)
		default:
			s.app.JobHandler.GetJobHandler(w, r)
		}
		return
	}

	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// handleCallbackRoutes routes /jobs/{id}/response callbacks
func (s *Server) handleCallbackRoutes(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/response") {
		s.app.CallbackHandler.ResponseHandler(w, r)
		return
	}
	http.Error(w, "Not found", http.StatusNotFound)
}
