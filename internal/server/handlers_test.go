package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/studypilot/studypilot/internal/planner"
	"github.com/studypilot/studypilot/internal/queue"
	"github.com/studypilot/studypilot/internal/runtime"
	"github.com/studypilot/studypilot/internal/store"
)

var testSecret = []byte("test-secret")

type stubServerStore struct {
	docs      map[string]store.Document
	jobs      map[string]store.Job
	plans     map[int]planner.StudyPlan
	settings  map[string]store.OwnerSettings
	exchanges map[string][]store.Exchange
	slots     map[string]string
}

func newStubServerStore() *stubServerStore {
	return &stubServerStore{
		docs:      map[string]store.Document{},
		jobs:      map[string]store.Job{},
		plans:     map[int]planner.StudyPlan{},
		settings:  map[string]store.OwnerSettings{},
		exchanges: map[string][]store.Exchange{},
		slots:     map[string]string{},
	}
}

func (s *stubServerStore) TryClaimJobSlot(_ context.Context, ownerID, jobID string) (string, bool, error) {
	if holder, ok := s.slots[ownerID]; ok {
		return holder, false, nil
	}
	s.slots[ownerID] = jobID
	return jobID, true, nil
}

func (s *stubServerStore) ReleaseJobSlot(_ context.Context, ownerID, jobID string) error {
	if s.slots[ownerID] == jobID {
		delete(s.slots, ownerID)
	}
	return nil
}

func (s *stubServerStore) CreateJob(_ context.Context, job store.Job) error {
	job.Status = store.JobStatusQueued
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	s.jobs[job.ID] = job
	return nil
}

func (s *stubServerStore) GetJob(_ context.Context, id string) (store.Job, bool, error) {
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *stubServerStore) GetDocument(_ context.Context, id, ownerID string) (store.Document, bool, error) {
	doc, ok := s.docs[id]
	if !ok || doc.OwnerID != ownerID {
		return store.Document{}, false, nil
	}
	return doc, true, nil
}

func (s *stubServerStore) GetLatestDocument(_ context.Context, ownerID, kind string) (store.Document, bool, error) {
	for _, doc := range s.docs {
		if doc.OwnerID == ownerID && doc.Kind == kind {
			return doc, true, nil
		}
	}
	return store.Document{}, false, nil
}

func (s *stubServerStore) InsertDocument(_ context.Context, doc store.Document) (string, error) {
	doc.ID = "doc-" + doc.Kind
	doc.CreatedAt = time.Now()
	s.docs[doc.ID] = doc
	return doc.ID, nil
}

func (s *stubServerStore) SetDocumentText(_ context.Context, id, text string) error {
	doc := s.docs[id]
	doc.ExtractedText = text
	s.docs[id] = doc
	return nil
}

func (s *stubServerStore) ListExchangesByJob(_ context.Context, jobID string) ([]store.Exchange, error) {
	return s.exchanges[jobID], nil
}

func (s *stubServerStore) GetLatestPlan(_ context.Context, ownerID string) (planner.StudyPlan, bool, error) {
	best := planner.StudyPlan{}
	found := false
	for _, p := range s.plans {
		if p.OwnerID == ownerID && p.Version > best.Version {
			best = p
			found = true
		}
	}
	return best, found, nil
}

func (s *stubServerStore) GetPlanByVersion(_ context.Context, ownerID string, version int) (planner.StudyPlan, bool, error) {
	p, ok := s.plans[version]
	if !ok || p.OwnerID != ownerID {
		return planner.StudyPlan{}, false, nil
	}
	return p, true, nil
}

func (s *stubServerStore) UpsertOwnerSettings(_ context.Context, set store.OwnerSettings) error {
	s.settings[set.OwnerID] = set
	return nil
}

func (s *stubServerStore) GetOwnerSettings(_ context.Context, ownerID string) (store.OwnerSettings, bool, error) {
	set, ok := s.settings[ownerID]
	return set, ok, nil
}

type stubJobPublisher struct {
	published []queue.JobPayload
	err       error
}

func (p *stubJobPublisher) PublishJob(_ context.Context, payload queue.JobPayload, _ int) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.published = append(p.published, payload)
	return "1-0", nil
}

func seedDocuments(s *stubServerStore, ownerID string) {
	s.docs["tt-1"] = store.Document{ID: "tt-1", OwnerID: ownerID, Kind: store.DocumentKindTimetable, Format: "txt", ExtractedText: "Mon 09:00 Algebra"}
	s.docs["sy-1"] = store.Document{ID: "sy-1", OwnerID: ownerID, Kind: store.DocumentKindSyllabus, Format: "txt", ExtractedText: "Chapter 1: Limits"}
}

func testEcho(t *testing.T, st *stubServerStore, pub *stubJobPublisher) *echo.Echo {
	t.Helper()
	e := echo.New()
	api := e.Group("/api")
	jh := &JobsHandler{Store: st, Publisher: pub}
	jh.Register(api, testSecret)
	ph := &PlansHandler{Store: st}
	ph.Register(api.Group("/plans"), testSecret)
	sh := &SettingsHandler{Store: st}
	sh.Register(api.Group("/settings"), testSecret)
	return e
}

func authedRequest(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	tok, err := runtime.SignJWT("owner-1", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestGenerateSubmitsJob(t *testing.T) {
	st := newStubServerStore()
	seedDocuments(st, "owner-1")
	pub := &stubJobPublisher{}
	e := testEcho(t, st, pub)

	req := authedRequest(t, http.MethodPost, "/api/plans/generate",
		`{"timetable_document_id":"tt-1","syllabus_document_id":"sy-1","reference_date":"2024-05-01"}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp generateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != store.JobStatusQueued {
		t.Fatalf("expected queued status, got %q", resp.Status)
	}
	job, ok := st.jobs[resp.JobID]
	if !ok {
		t.Fatalf("job %s not persisted", resp.JobID)
	}
	if job.ReferenceDate.Format(planner.DateLayout) != "2024-05-01" {
		t.Fatalf("reference date not stored: %v", job.ReferenceDate)
	}
	if len(pub.published) != 1 || pub.published[0].JobID != resp.JobID {
		t.Fatalf("job not published: %+v", pub.published)
	}
	if pub.published[0].Trigger != queue.TriggerManual {
		t.Fatalf("expected manual trigger, got %q", pub.published[0].Trigger)
	}
}

func TestGenerateConflictReturnsHolder(t *testing.T) {
	st := newStubServerStore()
	seedDocuments(st, "owner-1")
	st.slots["owner-1"] = "job-held"
	pub := &stubJobPublisher{}
	e := testEcho(t, st, pub)

	req := authedRequest(t, http.MethodPost, "/api/plans/generate", `{}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["job_id"] != "job-held" {
		t.Fatalf("expected holder job id, got %q", body["job_id"])
	}
	if len(pub.published) != 0 {
		t.Fatalf("nothing should be published on conflict")
	}
}

func TestGenerateRejectsBadReferenceDate(t *testing.T) {
	st := newStubServerStore()
	seedDocuments(st, "owner-1")
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodPost, "/api/plans/generate", `{"reference_date":"05/01/2024"}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGenerateRequiresDocuments(t *testing.T) {
	st := newStubServerStore()
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodPost, "/api/plans/generate", `{}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without documents, got %d", rec.Code)
	}
	if len(st.slots) != 0 {
		t.Fatalf("slot must not be claimed when documents are missing")
	}
}

func TestGetJobHidesOtherOwners(t *testing.T) {
	st := newStubServerStore()
	st.jobs["job-x"] = store.Job{ID: "job-x", OwnerID: "owner-2", Status: store.JobStatusQueued}
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodGet, "/api/jobs/job-x", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign job, got %d", rec.Code)
	}
}

func TestGetJobReturnsFailureDetails(t *testing.T) {
	st := newStubServerStore()
	st.jobs["job-f"] = store.Job{
		ID:             "job-f",
		OwnerID:        "owner-1",
		Status:         store.JobStatusFailed,
		AttemptCount:   2,
		FailureKind:    store.FailureParseEmptyResult,
		FailureMessage: "model returned no usable tasks",
	}
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodGet, "/api/jobs/job-f", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.FailureKind != store.FailureParseEmptyResult || resp.AttemptCount != 2 {
		t.Fatalf("unexpected job body: %+v", resp)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	st := newStubServerStore()
	e := testEcho(t, st, &stubJobPublisher{})

	req := httptest.NewRequest(http.MethodGet, "/api/plans/latest", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLatestPlanNotFound(t *testing.T) {
	st := newStubServerStore()
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodGet, "/api/plans/latest", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without plans, got %d", rec.Code)
	}
}

func TestPlanByVersion(t *testing.T) {
	st := newStubServerStore()
	generated := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	st.plans[1] = planner.StudyPlan{
		ID: "plan-1", OwnerID: "owner-1", Version: 1, GeneratedAt: generated,
		Summary: "Two day ramp up",
		Tasks: []planner.DailyTask{
			{Date: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), Subject: "Algebra", Description: "Limits", EstimatedMinutes: 60, Priority: planner.PriorityHigh},
		},
	}
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodGet, "/api/plans/1", "")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp planResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != 1 || len(resp.Tasks) != 1 {
		t.Fatalf("unexpected plan body: %+v", resp)
	}
	if resp.Tasks[0].Date != "2024-05-02" || resp.Tasks[0].Priority != "high" {
		t.Fatalf("unexpected task rendering: %+v", resp.Tasks[0])
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	st := newStubServerStore()
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodPut, "/api/settings",
		`{"webhook_url":"https://hooks.example.com/x","schedule_cron":"0 6 * * *","auto_generate":true}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = authedRequest(t, http.MethodGet, "/api/settings", "")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body settingsBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.AutoGenerate || body.ScheduleCron != "0 6 * * *" {
		t.Fatalf("settings not persisted: %+v", body)
	}
}

func TestSettingsRejectBadCron(t *testing.T) {
	st := newStubServerStore()
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodPut, "/api/settings", `{"schedule_cron":"not a cron"}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cron, got %d", rec.Code)
	}
}

func TestSettingsAutoGenerateNeedsCron(t *testing.T) {
	st := newStubServerStore()
	e := testEcho(t, st, &stubJobPublisher{})

	req := authedRequest(t, http.MethodPut, "/api/settings", `{"auto_generate":true}`)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
