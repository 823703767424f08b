package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shipmate-dev/shipmate/internal/log"
	"github.com/shipmate-dev/shipmate/pkg/service"
	"github.com/shipmate-dev/shipmate/pkg/storage"
)

// NewHandler builds the HTTP surface over a running coordinator. The
// returned handler is safe for concurrent use.
func NewHandler(coord *service.Coordinator, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /deployments", submitDeploymentHTTP(coord))
	mux.HandleFunc("GET /deployments", listDeploymentsHTTP(coord))
	mux.HandleFunc("GET /deployments/{id}", getDeploymentHTTP(coord))
	mux.HandleFunc("GET /deployments/{id}/tasks", listTasksHTTP(coord))
	mux.HandleFunc("GET /deployments/{id}/diagnoses", listDiagnosesHTTP(coord))
	mux.HandleFunc("GET /tasks/{id}", getTaskHTTP(coord))
	mux.HandleFunc("GET /tasks/{id}/logs", listTaskLogsHTTP(coord))
	mux.HandleFunc("POST /tasks/{id}/retry", retryTaskHTTP(coord))
	mux.HandleFunc("POST /tasks/{id}/cancel", cancelTaskHTTP(coord))
	return mux
}

// StartServer blocks serving the engine API on the given port.
func StartServer(port string, coord *service.Coordinator, registry *prometheus.Registry) error {
	log.GetLogger().Infof("Starting Shipmate server on :%s", port)
	return http.ListenAndServe(":"+port, NewHandler(coord, registry))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Shipmate server is running")
}

func submitDeploymentHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
		deployment, err := coord.SubmitDeployment(r.Context(), req)
		if err != nil {
			log.GetLogger().Errorf("Failed to submit deployment: %v", err)
			http.Error(w, fmt.Sprintf("Failed to submit deployment: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusCreated, deployment)
	}
}

func listDeploymentsHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deployments, err := coord.ListDeployments()
		if err != nil {
			log.GetLogger().Errorf("Failed to list deployments: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list deployments: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	}
}

func getDeploymentHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deployment, err := coord.GetDeployment(r.PathValue("id"))
		if err != nil {
			writeLookupError(w, "deployment", err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	}
}

func listTasksHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := coord.ListTasks(r.PathValue("id"))
		if err != nil {
			log.GetLogger().Errorf("Failed to list tasks: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list tasks: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	}
}

func listDiagnosesHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diagnoses, err := coord.Diagnoses(r.PathValue("id"))
		if err != nil {
			log.GetLogger().Errorf("Failed to list diagnoses: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list diagnoses: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, diagnoses)
	}
}

func getTaskHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := coord.GetTask(r.PathValue("id"))
		if err != nil {
			writeLookupError(w, "task", err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func listTaskLogsHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := coord.TaskLogs(r.PathValue("id"))
		if err != nil {
			log.GetLogger().Errorf("Failed to list task logs: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list task logs: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func retryTaskHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := coord.RetryTask(r.Context(), id); err != nil {
			log.GetLogger().Errorf("Failed to retry task %s: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to retry task: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "requeued"})
	}
}

func cancelTaskHTTP(coord *service.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := coord.CancelTask(r.Context(), id); err != nil {
			log.GetLogger().Errorf("Failed to cancel task %s: %v", id, err)
			http.Error(w, fmt.Sprintf("Failed to cancel task: %v", err), http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
	}
}

func writeLookupError(w http.ResponseWriter, kind string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, fmt.Sprintf("No such %s", kind), http.StatusNotFound)
		return
	}
	log.GetLogger().Errorf("Failed to load %s: %v", kind, err)
	http.Error(w, fmt.Sprintf("Failed to load %s: %v", kind, err), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
