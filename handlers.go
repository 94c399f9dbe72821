package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	ort "github.com/yalue/onnxruntime_go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Tutortoise/layout-analysis-service/dataset"
	"github.com/Tutortoise/layout-analysis-service/detections"
	"github.com/Tutortoise/layout-analysis-service/importer"
	"github.com/Tutortoise/layout-analysis-service/jobs"
	"github.com/Tutortoise/layout-analysis-service/muret"
	"github.com/Tutortoise/layout-analysis-service/predict"
	"github.com/Tutortoise/layout-analysis-service/render"
	"github.com/Tutortoise/layout-analysis-service/telemetry"
)

const formMemory = 32 << 20

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type FormatsResponse struct {
	Formats []importer.Format  `json:"formats"`
	Kinds   []muret.ObjectKind `json:"kinds"`
	Sources []render.Source    `json:"sources"`
	Resize  int                `json:"resize"`
	Splits  dataset.Splits     `json:"splits"`
}

type PackageResponse struct {
	Name       string         `json:"name"`
	Path       string         `json:"path"`
	Classes    []string       `json:"classes"`
	Partitions map[string]int `json:"partitions"`
}

type PredictRequest struct {
	Package    string `json:"package"`
	Model      string `json:"model"`
	Checkpoint string `json:"checkpoint"`
}

type JobResponse struct {
	jobs.Snapshot
	Message string `json:"message,omitempty"`
}

// newUpgrader accepts websocket handshakes from the configured origins.
// Requests without an Origin header do not come from a browser and pass.
func newUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			for _, allowed := range origins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

func (s *AppState) handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", handleIndex()).Methods("GET")
	r.HandleFunc("/help", handleHelp()).Methods("GET")
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServer(http.FS(staticFiles()))))

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/formats", handleFormats(s)).Methods("GET")
	api.HandleFunc("/packages", handleListPackages(s)).Methods("GET")
	api.HandleFunc("/packages", handleImport(s)).Methods("POST")
	api.HandleFunc("/packages/{name}", handleGetPackage(s)).Methods("GET")
	api.HandleFunc("/packages/{name}/boxes", handleGallery(s)).Methods("GET")
	api.HandleFunc("/packages/{name}/boxes/{image}", handleBoxes(s)).Methods("GET")
	api.HandleFunc("/models", handleModels(s)).Methods("GET")
	api.HandleFunc("/checkpoints", handleListCheckpoints(s)).Methods("GET")
	api.HandleFunc("/checkpoints", handleUploadCheckpoint(s)).Methods("POST")
	api.HandleFunc("/predict", handlePredict(s)).Methods("POST")
	api.HandleFunc("/jobs/{id}", handleJob(s)).Methods("GET")
	api.HandleFunc("/jobs/{id}/events", handleJobEvents(s, newUpgrader(s.Config.Server.AllowedOrigins))).Methods("GET")

	s.addMonitoringRoutes(r)

	var h http.Handler = r
	h = cors.Handler(cors.Options{
		AllowedOrigins: s.Config.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})(h)

	return otelhttp.NewHandler(h, telemetry.ServiceName)
}

func handleIndex() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := fs.ReadFile(staticFiles(), "index.html")
		if err != nil {
			sendError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	}
}

func handleHelp() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		html, err := renderHelp()
		if err != nil {
			sendError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(html)
	}
}

func handleFormats(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, http.StatusOK, FormatsResponse{
			Formats: importer.Formats(),
			Kinds:   muret.ObjectKinds,
			Sources: []render.Source{render.SourceLabels, render.SourcePredictions},
			Resize:  state.Config.Import.Resize,
			Splits:  state.Config.Import.Splits,
		})
	}
}

func handleListPackages(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := importer.Packages(state.Config.DataDir)
		if err != nil {
			sendError(w, err)
			return
		}

		if names == nil {
			names = []string{}
		}

		sendJSON(w, http.StatusOK, map[string][]string{"packages": names})
	}
}

func handleImport(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if state.Config.Server.MaxUpload > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, state.Config.Server.MaxUpload)
		}

		req, err := parseImportRequest(r, state)
		if err != nil {
			sendError(w, err)
			return
		}

		if _, err := req.Validate(); err != nil {
			sendError(w, err)
			return
		}

		release, err := state.claim(req.PackageName)
		if err != nil {
			sendErrorResponse(w, "package_busy", MsgPackageBusy, http.StatusConflict)
			return
		}

		job := state.Jobs.Start("import", func(ctx context.Context, job *jobs.Job) (any, error) {
			defer release()
			return state.Importer.Import(ctx, req, job)
		})

		sendJSON(w, http.StatusAccepted, JobResponse{Snapshot: job.Snapshot(), Message: MsgImportStarted})
	}
}

// parseImportRequest reads the Data Manager form. Blank fields take the
// configured defaults.
func parseImportRequest(r *http.Request, state *AppState) (*importer.Request, error) {
	if err := r.ParseMultipartForm(formMemory); err != nil {
		return nil, fmt.Errorf("%w: %v", importer.ErrNoFile, err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, importer.ErrNoFile
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	defaults := state.Config.Import

	req := &importer.Request{
		Filename:    header.Filename,
		Data:        data,
		PackageName: r.FormValue("package"),
		Resize:      defaults.Resize,
		Kind:        muret.ObjectKind(defaults.Kind),
		Splits:      defaults.Splits,
	}

	if v := r.FormValue("format"); v != "" {
		format, err := importer.ParseFormat(v)
		if err != nil {
			return nil, err
		}
		req.Format = format
	}

	if v := r.FormValue("kind"); v != "" {
		kind, err := muret.ParseObjectKind(v)
		if err != nil {
			return nil, err
		}
		req.Kind = kind
	}

	if v := r.FormValue("resize"); v != "" {
		req.Resize, err = strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: resize must be a number", ErrInvalidForm)
		}
	}

	for name, dst := range map[string]*float64{
		"train":      &req.Splits.Train,
		"validation": &req.Splits.Validation,
		"test":       &req.Splits.Test,
	} {
		v := r.FormValue(name)
		if v == "" {
			continue
		}

		if *dst, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("%w: %s must be a number", ErrInvalidForm, name)
		}
	}

	return req, nil
}

func handleGetPackage(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		dir, err := state.packageDir(name)
		if err != nil {
			sendError(w, err)
			return
		}

		cfg, err := dataset.ReadConfig(dir)
		if err != nil {
			sendError(w, err)
			return
		}

		response := PackageResponse{
			Name:       name,
			Path:       cfg.Path,
			Classes:    cfg.ClassNames(),
			Partitions: make(map[string]int),
		}

		for _, partition := range dataset.Partitions {
			images, err := dataset.PartitionImages(dir, partition)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				sendError(w, err)
				return
			}
			response.Partitions[partition] = len(images)
		}

		sendJSON(w, http.StatusOK, response)
	}
}

func handleModels(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, http.StatusOK, map[string][]ModelFamily{"models": state.Registry.Models()})
	}
}

func handleListCheckpoints(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := state.Registry.Checkpoints()
		if err != nil {
			sendError(w, err)
			return
		}

		if names == nil {
			names = []string{}
		}

		sendJSON(w, http.StatusOK, map[string][]string{"checkpoints": names})
	}
}

func handleUploadCheckpoint(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if state.Config.Server.MaxUpload > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, state.Config.Server.MaxUpload)
		}

		if err := r.ParseMultipartForm(formMemory); err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			sendErrorResponse(w, "invalid_request", "Please upload a checkpoint", http.StatusBadRequest)
			return
		}
		defer file.Close()

		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}

		if ext := filepath.Ext(header.Filename); !strings.EqualFold(ext, checkpointExt) {
			sendErrorResponse(w, "invalid_model", fmt.Sprintf("Checkpoints must be %s files", checkpointExt), http.StatusBadRequest)
			return
		}

		stored, err := state.Registry.SaveCheckpoint(name, file)
		if err != nil {
			sendError(w, err)
			return
		}

		sendJSON(w, http.StatusCreated, map[string]string{"name": stored, "message": MsgCheckpointStored})
	}
}

func handlePredict(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PredictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		dir, err := state.packageDir(req.Package)
		if err != nil {
			sendError(w, err)
			return
		}

		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			sendError(w, fmt.Errorf("%w: %s", predict.ErrNotDirectory, req.Package))
			return
		}

		detector, err := state.Registry.Open(req.Model, req.Checkpoint)
		if err != nil {
			sendError(w, err)
			return
		}

		release, err := state.claim(req.Package)
		if err != nil {
			sendErrorResponse(w, "package_busy", MsgPackageBusy, http.StatusConflict)
			return
		}

		job := state.Jobs.Start("predict", func(ctx context.Context, job *jobs.Job) (any, error) {
			defer release()
			return predict.Evaluate(ctx, dir, detector, job)
		})

		sendJSON(w, http.StatusAccepted, JobResponse{Snapshot: job.Snapshot(), Message: MsgPredictStarted})
	}
}

func handleGallery(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		source, err := render.ParseSource(r.URL.Query().Get("source"))
		if err != nil {
			sendError(w, err)
			return
		}

		dir, err := state.packageDir(name)
		if err != nil {
			sendError(w, err)
			return
		}

		entries, err := render.Gallery(dir, source)
		if err != nil {
			sendError(w, err)
			return
		}

		sendJSON(w, http.StatusOK, map[string]any{
			"package": name,
			"source":  source,
			"entries": entries,
		})
	}
}

func handleBoxes(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)

		source, err := render.ParseSource(r.URL.Query().Get("source"))
		if err != nil {
			sendError(w, err)
			return
		}

		dir, err := state.packageDir(vars["name"])
		if err != nil {
			sendError(w, err)
			return
		}

		entry, err := render.Find(dir, source, vars["image"])
		if err != nil {
			sendError(w, err)
			return
		}

		img, err := render.Render(dir, entry)
		if err != nil {
			sendError(w, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		if err := imaging.Encode(w, img, imaging.PNG); err != nil {
			slog.Warn("failed to write image", "image", entry.Name, "error", err)
		}
	}
}

func handleJob(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := state.Jobs.Get(mux.Vars(r)["id"])
		if err != nil {
			sendError(w, err)
			return
		}

		sendJSON(w, http.StatusOK, job.Snapshot())
	}
}

// handleJobEvents streams the events of a job over a websocket until the job
// finishes or the client goes away.
func handleJobEvents(state *AppState, upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := state.Jobs.Get(mux.Vars(r)["id"])
		if err != nil {
			sendError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "job", job.ID(), "error", err)
			return
		}
		defer conn.Close()

		events, cancel := job.Subscribe()
		defer cancel()

		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		for event := range events {
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}

		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"pools": s.Registry.Metrics(),
	})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"cpu_features": detections.CPUFeatures(),
		"runtime":      ort.IsInitialized(),
	})
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError writes err with the code and status of describeError.
func sendError(w http.ResponseWriter, err error) {
	code, status := describeError(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}

	if errors.Is(err, ErrRuntimeMissing) {
		sendJSON(w, status, ErrorResponse{Code: code, Message: MsgRuntimeMissing, Details: err.Error()})
		return
	}

	sendErrorResponse(w, code, err.Error(), status)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	sendJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
