package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/layout-analysis-service/config"
	"github.com/Tutortoise/layout-analysis-service/dataset"
	"github.com/Tutortoise/layout-analysis-service/jobs"
)

func newTestServer(t *testing.T, options ...func(*config.Config)) (*httptest.Server, *AppState) {
	t.Helper()

	cfg := config.NewDefaultConfig()
	cfg.DataDir = t.TempDir()
	for _, option := range options {
		option(cfg)
	}

	opener := &fakeOpener{}
	state, err := newAppState(context.Background(), cfg, opener.open)
	require.NoError(t, err)

	srv := httptest.NewServer(state.handler())
	t.Cleanup(func() {
		srv.Close()
		state.Close()
	})

	return srv, state
}

// writePackage creates a package with one 64x32 test image and its labels.
func writePackage(t *testing.T, dataDir, name string, withImage bool) string {
	t.Helper()

	dir := filepath.Join(dataDir, name)
	for _, sub := range []string{
		filepath.Join(dataset.ImagesFolder, dataset.PartitionTest),
		filepath.Join(dataset.LabelsFolder, dataset.PartitionTest),
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}

	require.NoError(t, dataset.WriteConfig(dir, dataset.NewConfig(dir, []string{"page", "staff"})))

	if !withImage {
		return dir
	}

	img := image.NewGray(image.Rect(0, 0, 64, 32))
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	f, err := os.Create(dataset.ImagePath(dir, dataset.PartitionTest, "page1.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(
		dataset.LabelPath(dir, dataset.PartitionTest, "page1.png"),
		[]byte("0 0.5 0.5 1 1\n1 0.5 0.5 0.5 0.25"),
		0o644,
	))

	return dir
}

func decodeError(t *testing.T, res *http.Response) ErrorResponse {
	t.Helper()
	defer res.Body.Close()

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func upload(t *testing.T, url, filename string, data []byte, fields map[string]string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}

	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	res, err := http.Post(url, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return res
}

func postJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	res, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return res
}

func TestIndexAndHelp(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, res.Header.Get("Content-Type"), "text/html")

	res, err = http.Get(srv.URL + "/help")
	require.NoError(t, err)
	defer res.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(res.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "<h2>Data Manager</h2>")

	res, err = http.Get(srv.URL + "/static/app.js")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestFormats(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/api/formats")
	require.NoError(t, err)
	defer res.Body.Close()

	var body FormatsResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Len(t, body.Formats, 3)
	require.Len(t, body.Kinds, 3)
	require.Equal(t, config.DefaultResize, body.Resize)
	require.Equal(t, dataset.InferenceOnly, body.Splits)
}

func TestPackages(t *testing.T) {
	srv, state := newTestServer(t)

	res, err := http.Get(srv.URL + "/api/packages")
	require.NoError(t, err)

	var list map[string][]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	res.Body.Close()
	require.Empty(t, list["packages"])
	require.NotNil(t, list["packages"])

	writePackage(t, state.Config.DataDir, "codex", true)

	res, err = http.Get(srv.URL + "/api/packages")
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	res.Body.Close()
	require.Equal(t, []string{"codex"}, list["packages"])

	res, err = http.Get(srv.URL + "/api/packages/codex")
	require.NoError(t, err)
	defer res.Body.Close()

	var pkg PackageResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&pkg))
	require.Equal(t, []string{"page", "staff"}, pkg.Classes)
	require.Equal(t, 1, pkg.Partitions[dataset.PartitionTest])
	require.Equal(t, 0, pkg.Partitions[dataset.PartitionTrain])

	res, err = http.Get(srv.URL + "/api/packages/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, "package_not_found", decodeError(t, res).Code)
}

func TestImportValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name     string
		filename string
		fields   map[string]string
		message  string
	}{
		{"no file", "", map[string]string{"format": "MuRET"}, "upload a file"},
		{"no format", "codex.json", nil, "select a format"},
		{"zip not muret", "codex.zip", map[string]string{"format": "Repertorium"}, "format should be MuRET"},
		{"json muret", "codex.json", map[string]string{"format": "MuRET"}, "format should not be MuRET"},
		{"bad splits", "codex.json", map[string]string{"format": "Repertorium", "train": "0.5"}, "splits"},
		{"bad resize", "codex.json", map[string]string{"format": "Repertorium", "resize": "big"}, "resize"},
		{"bad kind", "codex.json", map[string]string{"format": "Repertorium", "kind": "LINES"}, "object kind"},
		{"checkpoints package", "codex.json", map[string]string{"format": "Repertorium", "package": "checkpoints"}, "reserved"},
		{"cache package", "codex.json", map[string]string{"format": "Repertorium", "package": "CACHE"}, "reserved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := upload(t, srv.URL+"/api/packages", tt.filename, []byte("{}"), tt.fields)
			require.Equal(t, http.StatusBadRequest, res.StatusCode)
			require.Contains(t, decodeError(t, res).Message, tt.message)
		})
	}
}

func TestImportKeepsCheckpoints(t *testing.T) {
	srv, state := newTestServer(t)

	_, err := state.Registry.SaveCheckpoint("best", strings.NewReader("weights"))
	require.NoError(t, err)

	res := upload(t, srv.URL+"/api/packages", "codex.json", []byte("{}"), map[string]string{
		"format":  "Repertorium",
		"package": "checkpoints",
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "invalid_request", decodeError(t, res).Code)

	state.Jobs.Wait()

	names, err := state.Registry.Checkpoints()
	require.NoError(t, err)
	require.Equal(t, []string{"best"}, names)
}

func TestImportJobFailure(t *testing.T) {
	srv, state := newTestServer(t)

	res := upload(t, srv.URL+"/api/packages", "codex.json", []byte("not json"), map[string]string{
		"format":  "Repertorium",
		"package": "codex",
	})
	defer res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	var started JobResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&started))
	require.Equal(t, "import", started.Kind)
	require.Equal(t, MsgImportStarted, started.Message)

	state.Jobs.Wait()

	res, err := http.Get(srv.URL + "/api/jobs/" + started.ID)
	require.NoError(t, err)
	defer res.Body.Close()

	var snapshot jobs.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snapshot))
	require.Equal(t, jobs.StateFailed, snapshot.State)
	require.NotEmpty(t, snapshot.Error)
}

func TestCheckpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	res := upload(t, srv.URL+"/api/checkpoints", "best.pt", []byte("weights"), nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "invalid_model", decodeError(t, res).Code)

	res = upload(t, srv.URL+"/api/checkpoints", "best.onnx", []byte("weights"), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	res = upload(t, srv.URL+"/api/checkpoints", "model.onnx", []byte("weights"), map[string]string{"name": "renamed"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	res, err := http.Get(srv.URL + "/api/checkpoints")
	require.NoError(t, err)
	defer res.Body.Close()

	var list map[string][]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	require.Equal(t, []string{"best", "renamed"}, list["checkpoints"])

	res, err = http.Get(srv.URL + "/api/models")
	require.NoError(t, err)
	defer res.Body.Close()

	var models map[string][]ModelFamily
	require.NoError(t, json.NewDecoder(res.Body).Decode(&models))
	require.Equal(t, ModelFamilies, models["models"])
}

func TestPredictErrors(t *testing.T) {
	srv, state := newTestServer(t)
	writePackage(t, state.Config.DataDir, "codex", true)

	_, err := state.Registry.SaveCheckpoint("best", strings.NewReader("weights"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    PredictRequest
		status int
		code   string
	}{
		{"missing package", PredictRequest{Package: "nope", Model: "YOLOv9c", Checkpoint: "best"}, http.StatusNotFound, "package_not_found"},
		{"invalid package", PredictRequest{Package: "../x", Model: "YOLOv9c", Checkpoint: "best"}, http.StatusBadRequest, "invalid_request"},
		{"unknown model", PredictRequest{Package: "codex", Model: "RCNN", Checkpoint: "best"}, http.StatusBadRequest, "invalid_model"},
		{"no checkpoint", PredictRequest{Package: "codex", Model: "YOLOv9c"}, http.StatusBadRequest, "invalid_model"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := postJSON(t, srv.URL+"/api/predict", tt.req)
			require.Equal(t, tt.status, res.StatusCode)
			require.Equal(t, tt.code, decodeError(t, res).Code)
		})
	}
}

func TestPredictJob(t *testing.T) {
	srv, state := newTestServer(t)
	dir := writePackage(t, state.Config.DataDir, "empty", false)

	_, err := state.Registry.SaveCheckpoint("best", strings.NewReader("weights"))
	require.NoError(t, err)

	req := PredictRequest{Package: "empty", Model: "YOLOv8n", Checkpoint: "best"}

	release, err := state.claim("empty")
	require.NoError(t, err)

	res := postJSON(t, srv.URL+"/api/predict", req)
	require.Equal(t, http.StatusConflict, res.StatusCode)
	require.Equal(t, MsgPackageBusy, decodeError(t, res).Message)

	release()

	res = postJSON(t, srv.URL+"/api/predict", req)
	defer res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	var started JobResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&started))

	state.Jobs.Wait()

	job, err := state.Jobs.Get(started.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.StateSucceeded, job.Snapshot().State)
	require.DirExists(t, filepath.Join(dir, dataset.PredictionsFolder))

	// the package is free again
	release, err = state.claim("empty")
	require.NoError(t, err)
	release()
}

func TestGalleryAndBoxes(t *testing.T) {
	srv, state := newTestServer(t)
	writePackage(t, state.Config.DataDir, "codex", true)

	res, err := http.Get(srv.URL + "/api/packages/codex/boxes")
	require.NoError(t, err)

	var gallery struct {
		Source  string `json:"source"`
		Entries []struct {
			Name string `json:"name"`
		} `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&gallery))
	res.Body.Close()
	require.Equal(t, "labels", gallery.Source)
	require.Len(t, gallery.Entries, 1)
	require.Equal(t, "page1", gallery.Entries[0].Name)

	res, err = http.Get(srv.URL + "/api/packages/codex/boxes/page1?source=labels")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "image/png", res.Header.Get("Content-Type"))

	img, err := png.Decode(res.Body)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 64, 32), img.Bounds())
	require.NotEqual(t, color.RGBAModel.Convert(color.White), color.RGBAModel.Convert(img.At(0, 16)))

	res, err = http.Get(srv.URL + "/api/packages/codex/boxes/page1?source=predictions")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Contains(t, decodeError(t, res).Message, dataset.PredictionsFolder)

	res, err = http.Get(srv.URL + "/api/packages/codex/boxes?source=weights")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	require.Equal(t, "invalid_source", decodeError(t, res).Code)
}

func TestJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/api/jobs/unknown")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, "job_not_found", decodeError(t, res).Code)
}

func TestJobEvents(t *testing.T) {
	srv, state := newTestServer(t)

	job := state.Jobs.Start("test", func(ctx context.Context, job *jobs.Job) (any, error) {
		job.Info("working")
		job.Progress(1, 2, "half")
		return "done", nil
	})
	<-job.Done()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + job.ID() + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var types []jobs.EventType
	for {
		var event jobs.Event
		if err := conn.ReadJSON(&event); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		types = append(types, event.Type)
	}

	require.Equal(t, []jobs.EventType{jobs.EventInfo, jobs.EventProgress, jobs.EventResult}, types)
}

func TestJobEventsOrigin(t *testing.T) {
	srv, state := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.AllowedOrigins = []string{"https://allowed.example"}
	})

	job := state.Jobs.Start("test", func(ctx context.Context, job *jobs.Job) (any, error) {
		return "done", nil
	})
	<-job.Done()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + job.ID() + "/events"

	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://Allowed.example"}})
	require.NoError(t, err)
	conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestMonitoring(t *testing.T) {
	srv, state := newTestServer(t)

	_, err := state.Registry.SaveCheckpoint("best", strings.NewReader("weights"))
	require.NoError(t, err)
	_, err = state.Registry.Open("YOLOv9c", "best")
	require.NoError(t, err)

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()

	var metrics struct {
		Pools []PoolStats `json:"pools"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&metrics))
	require.Len(t, metrics.Pools, 1)
	require.Equal(t, config.DefaultPoolSize, metrics.Pools[0].Available)

	res, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()

	var health map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&health))
	require.Equal(t, "ok", health["status"])
	require.Contains(t, health, "cpu_features")
}

func TestDescribeError(t *testing.T) {
	code, status := describeError(ErrPoolClosed)
	require.Equal(t, "session_error", code)
	require.Equal(t, http.StatusServiceUnavailable, status)

	code, status = describeError(os.ErrPermission)
	require.Equal(t, "internal_error", code)
	require.Equal(t, http.StatusInternalServerError, status)
}
