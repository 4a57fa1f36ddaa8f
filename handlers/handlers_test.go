package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/loiht2/ml-platform-finetune/backend/apperrors"
	"github.com/loiht2/ml-platform-finetune/backend/config"
	"github.com/loiht2/ml-platform-finetune/backend/dataset"
	"github.com/loiht2/ml-platform-finetune/backend/models"
	"github.com/loiht2/ml-platform-finetune/backend/monitor"
	"github.com/loiht2/ml-platform-finetune/backend/repository"
	"github.com/loiht2/ml-platform-finetune/backend/training"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTrainer struct {
	outcome *training.Outcome
	err     error
	got     []models.TrainingJobConfig
}

func (f *fakeTrainer) Start(_ context.Context, cfg models.TrainingJobConfig) (*training.Outcome, error) {
	f.got = append(f.got, cfg)
	return f.outcome, f.err
}

type fakeInferencer struct {
	answer   string
	err      error
	requests []models.InferenceRequest
	tokens   []string
}

func (f *fakeInferencer) Infer(_ context.Context, req models.InferenceRequest) (string, error) {
	f.requests = append(f.requests, req)
	return f.answer, f.err
}

func (f *fakeInferencer) HuggingFaceLogin(_ context.Context, token string) error {
	f.tokens = append(f.tokens, token)
	return f.err
}

type testServer struct {
	router     *gin.Engine
	repo       *repository.Repository
	store      *dataset.Store
	trainer    *fakeTrainer
	inferencer *fakeInferencer
	jobs       *monitor.JobMonitor
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	if err := db.AutoMigrate(&config.TrainedModel{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store, err := dataset.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	s := &testServer{
		repo:       repository.NewRepository(db),
		store:      store,
		trainer:    &fakeTrainer{},
		inferencer: &fakeInferencer{},
		jobs:       monitor.NewJobMonitor(time.Hour, time.Hour),
	}
	h := NewHandler(s.store, s.repo, s.trainer, s.inferencer, s.jobs)
	s.router = gin.New()
	h.RegisterRoutes(s.router)
	return s
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	return s.serve(t, req)
}

func (s *testServer) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var payload map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, payload
}

func uploadRequest(t *testing.T, path, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func workbook(t *testing.T, rows [][]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		r := row
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, payload map[string]interface{}, status int, kind apperrors.Kind) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	if payload["status"] != "error" || payload["error"] != string(kind) {
		t.Errorf("payload = %v, want error kind %s", payload, kind)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, payload := s.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || payload["status"] != "healthy" {
		t.Errorf("health = %d %v", w.Code, payload)
	}
}

func TestUploadAndList(t *testing.T) {
	s := newTestServer(t)
	content := workbook(t, [][]interface{}{
		{"question", "answer", "schema"},
		{"How many users?", "SELECT COUNT(*) FROM users", "users(id)"},
	})

	w, payload := s.serve(t, uploadRequest(t, "/upload-text-to-sql-data", "data.xlsx", content))
	if w.Code != http.StatusOK || payload["status"] != "success" {
		t.Fatalf("upload = %d %v", w.Code, payload)
	}

	w, payload = s.do(t, http.MethodGet, "/data-entries?file_type=schema-qa", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d %v", w.Code, payload)
	}
	data, _ := payload["data"].([]interface{})
	if len(data) != 1 {
		t.Fatalf("got %d entries, want 1: %v", len(data), payload)
	}
	entry := data[0].(map[string]interface{})
	if entry["id"] != float64(1) || entry["schema"] != "users(id)" {
		t.Errorf("entry = %v", entry)
	}
	columns, _ := payload["columns"].([]interface{})
	if len(columns) != 4 {
		t.Errorf("columns = %v", columns)
	}
}

func TestUpload_InvalidFormat(t *testing.T) {
	s := newTestServer(t)
	w, payload := s.serve(t, uploadRequest(t, "/upload-plain-qa-data", "data.xlsx", []byte("not a workbook")))
	expectError(t, w, payload, http.StatusBadRequest, apperrors.InvalidFormat)
}

func TestUpload_MissingFile(t *testing.T) {
	s := newTestServer(t)
	w, payload := s.do(t, http.MethodPost, "/upload-plain-qa-data", nil)
	expectError(t, w, payload, http.StatusBadRequest, apperrors.InvalidRequest)
}

func TestListDataEntries_UnknownKind(t *testing.T) {
	s := newTestServer(t)
	w, payload := s.do(t, http.MethodGet, "/data-entries?file_type=images", nil)
	expectError(t, w, payload, http.StatusBadRequest, apperrors.InvalidRequest)
}

func TestDataEntryLifecycle(t *testing.T) {
	s := newTestServer(t)

	w, payload := s.do(t, http.MethodPost, "/add-data/plain-qa", map[string]string{"question": "Hi?", "answer": "Hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("add = %d %v", w.Code, payload)
	}
	added := payload["data"].(map[string]interface{})
	if added["id"] != float64(1) {
		t.Errorf("added id = %v", added["id"])
	}

	w, payload = s.do(t, http.MethodPost, "/update-data/plain-qa", map[string]interface{}{"id": 1, "answer": "Hey"})
	if w.Code != http.StatusOK {
		t.Fatalf("update = %d %v", w.Code, payload)
	}
	updated := payload["data"].(map[string]interface{})
	if updated["question"] != "Hi?" || updated["answer"] != "Hey" {
		t.Errorf("updated = %v", updated)
	}

	w, payload = s.do(t, http.MethodPost, "/delete-data/plain-qa", map[string]int{"id": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d %v", w.Code, payload)
	}

	w, payload = s.do(t, http.MethodPost, "/delete-data/plain-qa", map[string]int{"id": 1})
	expectError(t, w, payload, http.StatusNotFound, apperrors.NotFound)
}

func TestUpdateData_RequiresID(t *testing.T) {
	s := newTestServer(t)
	w, payload := s.do(t, http.MethodPost, "/update-data/plain-qa", map[string]string{"answer": "x"})
	expectError(t, w, payload, http.StatusBadRequest, apperrors.InvalidRequest)
}

func TestStartTraining_AppliesDefaults(t *testing.T) {
	s := newTestServer(t)
	acc := 0.91
	s.trainer.outcome = &training.Outcome{
		JobID:   "job-2024-05-01_10-30-15",
		Metrics: training.Metrics{Accuracy: &acc},
		Logs:    "done",
	}

	w, payload := s.do(t, http.MethodPost, "/start_training_test", map[string]interface{}{
		"model_id":       "google/gemma-2b",
		"system_message": "sql",
		"file_type":      "text-to-sql",
		"lora_r":         16,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d %v", w.Code, payload)
	}
	if payload["job_id"] != "job-2024-05-01_10-30-15" || payload["logs"] != "done" {
		t.Errorf("payload = %v", payload)
	}

	cfg := s.trainer.got[0]
	if cfg.DatasetKind != dataset.KindSchemaQA {
		t.Errorf("DatasetKind = %q", cfg.DatasetKind)
	}
	if cfg.LoraR != 16 || cfg.LoraAlpha != 128 || !cfg.LoadIn4Bit || cfg.Optim != "adamw_torch_fused" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestStartTraining_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing model", map[string]interface{}{"system_message": "s", "file_type": "plain-qa"}},
		{"unknown kind", map[string]interface{}{"model_id": "m", "system_message": "s", "file_type": "images"}},
		{"bad dtype", map[string]interface{}{"model_id": "m", "system_message": "s", "file_type": "plain-qa", "bnb_4bit_compute_dtype": "int3"}},
		{"negative rank", map[string]interface{}{"model_id": "m", "system_message": "s", "file_type": "plain-qa", "lora_r": -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			w, payload := s.do(t, http.MethodPost, "/start_training_test", tt.body)
			expectError(t, w, payload, http.StatusBadRequest, apperrors.InvalidRequest)
			if len(s.trainer.got) != 0 {
				t.Error("trainer should not be called")
			}
		})
	}
}

func TestStartTraining_ErrorKinds(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{apperrors.New(apperrors.MissingData, "no schema-qa dataset"), http.StatusBadRequest},
		{apperrors.New(apperrors.ResourceExhaustion, "GPU out of memory"), http.StatusInternalServerError},
		{apperrors.New(apperrors.TrainingFailure, "exit 2"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		kind := apperrors.KindOf(tt.err)
		t.Run(string(kind), func(t *testing.T) {
			s := newTestServer(t)
			s.trainer.err = tt.err
			w, payload := s.do(t, http.MethodPost, "/start_training_test", map[string]interface{}{
				"model_id": "m", "system_message": "s", "file_type": "plain-qa",
			})
			expectError(t, w, payload, tt.status, kind)
		})
	}
}

func TestRunInference(t *testing.T) {
	s := newTestServer(t)
	s.inferencer.answer = "SELECT 1"

	w, payload := s.do(t, http.MethodPost, "/run_inference", map[string]string{
		"model_id": "outputs/merged/job-1", "question": "one?", "schema_info": "t(a)",
	})
	if w.Code != http.StatusOK || payload["predicted_sql"] != "SELECT 1" {
		t.Fatalf("inference = %d %v", w.Code, payload)
	}
	if s.inferencer.requests[0].SchemaInfo != "t(a)" {
		t.Errorf("request = %+v", s.inferencer.requests[0])
	}
}

func TestRunInference_Failure(t *testing.T) {
	s := newTestServer(t)
	s.inferencer.err = apperrors.New(apperrors.InferenceFailure, "model not found")

	w, payload := s.do(t, http.MethodPost, "/run_inference", map[string]string{"model_id": "m", "question": "q"})
	expectError(t, w, payload, http.StatusInternalServerError, apperrors.InferenceFailure)
}

func TestHuggingFaceLogin(t *testing.T) {
	s := newTestServer(t)
	w, payload := s.do(t, http.MethodPost, "/huggingface/login", map[string]string{"hf_token": "hf_abc"})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d %v", w.Code, payload)
	}
	if s.inferencer.tokens[0] != "hf_abc" {
		t.Errorf("token = %q", s.inferencer.tokens[0])
	}
	if strings.Contains(w.Body.String(), "hf_abc") {
		t.Error("response echoes the token")
	}
}

func TestModelEndpoints(t *testing.T) {
	s := newTestServer(t)
	dir := t.TempDir()
	for _, id := range []string{"job-a", "job-b"} {
		if err := s.repo.Register(context.Background(), &config.TrainedModel{
			JobID: id, BaseModelID: "m", AdapterPath: dir + "/adapters/" + id, MergedPath: dir + "/merged/" + id,
			Status: config.StatusCompleted,
		}); err != nil {
			t.Fatal(err)
		}
	}

	w, payload := s.do(t, http.MethodPost, "/api/models/activate", map[string]string{"job_id": "job-a"})
	if w.Code != http.StatusOK {
		t.Fatalf("activate = %d %v", w.Code, payload)
	}

	w, payload = s.do(t, http.MethodPost, "/api/models/activate", map[string]string{"job_id": "absent"})
	expectError(t, w, payload, http.StatusNotFound, apperrors.NotFound)

	w, payload = s.do(t, http.MethodGet, "/api/models", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d %v", w.Code, payload)
	}
	data := payload["data"].([]interface{})
	deployed := 0
	for _, item := range data {
		if item.(map[string]interface{})["status"] == config.StatusDeployed {
			deployed++
		}
	}
	if len(data) != 2 || deployed != 1 {
		t.Errorf("models = %v", data)
	}

	w, payload = s.do(t, http.MethodPost, "/api/models/delete", map[string]string{"job_id": "job-b"})
	if w.Code != http.StatusOK {
		t.Fatalf("delete = %d %v", w.Code, payload)
	}
	w, payload = s.do(t, http.MethodPost, "/api/models/delete", map[string]string{"job_id": "job-b"})
	expectError(t, w, payload, http.StatusNotFound, apperrors.NotFound)
}

func TestListJobs(t *testing.T) {
	s := newTestServer(t)
	s.jobs.Created("job-1", "m")
	s.jobs.Running("job-1")

	w, payload := s.do(t, http.MethodGet, "/api/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("jobs = %d %v", w.Code, payload)
	}
	data := payload["data"].([]interface{})
	if len(data) != 1 || data[0].(map[string]interface{})["state"] != "running" {
		t.Errorf("jobs = %v", data)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[apperrors.Kind]int{
		apperrors.InvalidFormat:      http.StatusBadRequest,
		apperrors.MissingData:        http.StatusBadRequest,
		apperrors.InvalidRequest:     http.StatusBadRequest,
		apperrors.NotFound:           http.StatusNotFound,
		apperrors.StorageWriteError:  http.StatusInternalServerError,
		apperrors.ResourceExhaustion: http.StatusInternalServerError,
		apperrors.DBError:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := StatusFor(kind); got != want {
			t.Errorf("StatusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}
