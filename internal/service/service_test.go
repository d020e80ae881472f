package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"reconomed-intake/internal/config"
	"reconomed-intake/internal/imaging"
	"reconomed-intake/internal/model"
	"reconomed-intake/internal/pipeline"
	"reconomed-intake/internal/repository"
	"reconomed-intake/internal/session"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/tasks"
)

// fakeBackend 在内存中模拟后端，记录调用顺序。
type fakeBackend struct {
	mu          sync.Mutex
	calls       []string
	patients    map[string]*model.Patient
	forms       map[string]*model.ValidationForm
	submitted   map[string]map[string]any
	failUpdate  map[string]bool
	failOCR     map[string]bool
	failUpload  map[string]bool
	submitErr   error
	queueErr    error
	unprocessed []*model.UploadRecord
	uploads     int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		patients:   map[string]*model.Patient{"p1": {ID: "p1", FamilyName: "Popescu", GivenName: "Ana"}},
		forms:      map[string]*model.ValidationForm{},
		submitted:  map[string]map[string]any{},
		failUpdate: map[string]bool{},
		failOCR:    map[string]bool{},
		failUpload: map[string]bool{},
	}
}

func (f *fakeBackend) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeBackend) ListPatients(_ context.Context, q model.PatientQuery) ([]model.Patient, error) {
	f.record("ListPatients")
	out := make([]model.Patient, 0, len(f.patients))
	for _, p := range f.patients {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeBackend) GetPatient(_ context.Context, id string) (*model.Patient, error) {
	f.record("GetPatient:" + id)
	p, ok := f.patients[id]
	if !ok {
		return nil, &backend.APIError{Op: "GetPatient", StatusCode: http.StatusNotFound, Detail: "Patient not found"}
	}
	c := *p
	return &c, nil
}

func (f *fakeBackend) ListUploads(context.Context) ([]*model.UploadRecord, error) {
	f.record("ListUploads")
	return f.unprocessed, nil
}

func (f *fakeBackend) ListUnprocessed(context.Context) ([]*model.UploadRecord, error) {
	f.record("ListUnprocessed")
	return f.unprocessed, nil
}

func (f *fakeBackend) UploadFile(_ context.Context, filename, _ string, _ []byte, _, _ int64) (*model.UploadReceipt, error) {
	f.mu.Lock()
	f.uploads++
	n := f.uploads
	f.mu.Unlock()
	f.record("UploadFile:" + filename)
	if f.failUpload[filename] {
		return nil, &backend.APIError{Op: "UploadFile", StatusCode: http.StatusInternalServerError, Detail: "disk full"}
	}
	return &model.UploadReceipt{ID: "u" + string(rune('0'+n)), FilePath: "/uploads/" + filename}, nil
}

func (f *fakeBackend) UpdateUpload(_ context.Context, id string, _ model.Assignment) error {
	f.record("UpdateUpload:" + id)
	if f.failUpdate[id] {
		return &backend.APIError{Op: "UpdateUpload", StatusCode: http.StatusInternalServerError, Detail: "db error"}
	}
	return nil
}

func (f *fakeBackend) UploadToPatient(_ context.Context, patientID, filename, _ string, _ []byte) (*model.DirectUploadResult, error) {
	f.record("UploadToPatient:" + patientID)
	return &model.DirectUploadResult{DocumentID: "d1", OriginalFilename: filename}, nil
}

func (f *fakeBackend) ProcessOCR(_ context.Context, id string) (*model.OCRResult, error) {
	f.record("ProcessOCR:" + id)
	if f.failOCR[id] {
		return nil, &backend.NetworkError{Op: "ProcessOCR", Err: context.DeadlineExceeded}
	}
	return &model.OCRResult{DocumentID: model.RemoteID(id), DocumentType: "lab_result", OCRConfidence: 0.91}, nil
}

func (f *fakeBackend) GetValidation(_ context.Context, id string) (*model.ValidationForm, error) {
	f.record("GetValidation:" + id)
	form, ok := f.forms[id]
	if !ok {
		return nil, &backend.APIError{Op: "GetValidation", StatusCode: http.StatusNotFound, Detail: "Document not found"}
	}
	return form, nil
}

func (f *fakeBackend) SubmitValidation(_ context.Context, id string, data map[string]any) error {
	f.record("SubmitValidation:" + id)
	if f.submitErr != nil {
		return f.submitErr
	}
	f.mu.Lock()
	f.submitted[id] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Queue(_ context.Context, name string) ([]model.DocumentSummary, error) {
	f.record("Queue:" + name)
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return []model.DocumentSummary{{ID: "x", Filename: name + ".pdf"}}, nil
}

func ptr[T any](v T) *T { return &v }

func admit(t *testing.T, tr *session.Tracker, id string, patient *string, docType *model.DocumentType) {
	t.Helper()
	err := tr.Admit(&model.UploadRecord{
		ID:           id,
		Filename:     id + ".jpg",
		State:        model.StateUploaded,
		PatientID:    patient,
		DocumentType: docType,
		ExpiresAt:    time.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Admit(%s): %v", id, err)
	}
}

func newReview(fb *fakeBackend, tr *session.Tracker) ReviewService {
	patients := NewPatientService(fb, repository.NewMemoryPatientCache(16, time.Minute))
	return NewReviewService(fb, tr, patients, 16, time.Minute, 2)
}

func sampleForm() *model.ValidationForm {
	return &model.ValidationForm{
		Document: model.ValidationDocument{ID: "42", Filename: "lab.pdf"},
		ValidationFields: []model.ValidationField{
			{Field: "patient_name", Label: "Nume pacient", Type: "text", Value: "Ana", Required: true},
			{Field: "test_date", Label: "Data", Type: "date", Value: "", Required: true},
			{Field: "notes", Label: "Note", Type: "textarea", Value: nil},
		},
	}
}

func TestSubmitValidationRequiresFieldsBeforeNetwork(t *testing.T) {
	fb := newFakeBackend()
	fb.forms["42"] = sampleForm()
	svc := newReview(fb, session.NewTracker(20))
	ctx := context.Background()

	if _, err := svc.FetchValidation(ctx, "42"); err != nil {
		t.Fatal(err)
	}
	_, err := svc.SubmitValidation(ctx, "42", map[string]any{"test_date": "   "})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("SubmitValidation() error = %v, want ValidationError", err)
	}
	if len(verr.Fields) != 1 || verr.Fields[0] != "Data" {
		t.Errorf("missing fields = %v, want [Data]", verr.Fields)
	}
	for _, c := range fb.Calls() {
		if c == "SubmitValidation:42" {
			t.Fatal("submission reached the backend")
		}
	}
}

func TestSubmitValidationRefreshesQueuesInOrder(t *testing.T) {
	fb := newFakeBackend()
	fb.forms["42"] = sampleForm()
	tr := session.NewTracker(20)
	admit(t, tr, "42", ptr("p1"), ptr(model.DocLabResult))
	svc := newReview(fb, tr)

	res, err := svc.SubmitValidation(context.Background(), "42", map[string]any{"test_date": "2024-05-01"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RefreshError != "" || len(res.ValidationQueue) != 1 || len(res.Completed) != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := fb.submitted["42"]; got["patient_name"] != "Ana" || got["test_date"] != "2024-05-01" {
		t.Errorf("submitted = %v", got)
	}

	calls := fb.Calls()
	want := []string{"GetValidation:42", "SubmitValidation:42", "Queue:validation-queue", "Queue:completed"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call[%d] = %s, want %s", i, calls[i], want[i])
		}
	}
	rec, _ := tr.Get("42")
	if rec.State != model.StateValidated {
		t.Errorf("state = %s, want validated", rec.State)
	}
}

func TestSubmitValidationFailureKeepsState(t *testing.T) {
	fb := newFakeBackend()
	fb.forms["42"] = sampleForm()
	fb.submitErr = &backend.APIError{Op: "SubmitValidation", StatusCode: 500, Detail: "boom"}
	tr := session.NewTracker(20)
	admit(t, tr, "42", ptr("p1"), ptr(model.DocLabResult))
	svc := newReview(fb, tr)

	if _, err := svc.SubmitValidation(context.Background(), "42", map[string]any{"test_date": "2024-05-01"}); err == nil {
		t.Fatal("expected error")
	}
	rec, _ := tr.Get("42")
	if rec.State != model.StateUploaded {
		t.Errorf("state = %s, want uploaded", rec.State)
	}
	// 重试时使用缓存中的表单
	fb.submitErr = nil
	if _, err := svc.SubmitValidation(context.Background(), "42", map[string]any{"test_date": "2024-05-01"}); err != nil {
		t.Fatal(err)
	}
	gets := 0
	for _, c := range fb.Calls() {
		if c == "GetValidation:42" {
			gets++
		}
	}
	if gets != 1 {
		t.Errorf("GetValidation called %d times, want 1", gets)
	}
}

func TestSubmitValidationReportsRefreshError(t *testing.T) {
	fb := newFakeBackend()
	fb.forms["42"] = sampleForm()
	fb.queueErr = errors.New("queue down")
	svc := newReview(fb, session.NewTracker(20))

	res, err := svc.SubmitValidation(context.Background(), "42", map[string]any{"test_date": "2024-05-01"})
	if err != nil {
		t.Fatalf("refresh failure should not fail the submission: %v", err)
	}
	if res.RefreshError == "" {
		t.Error("RefreshError is empty")
	}
}

func TestAssignBatchPartialFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.failUpdate["b"] = true
	tr := session.NewTracker(20)
	for _, id := range []string{"a", "b"} {
		admit(t, tr, id, nil, nil)
	}
	svc := newReview(fb, tr)

	res, err := svc.AssignBatch(context.Background(), []string{"a", "b", "missing"},
		model.Assignment{PatientID: ptr("p1"), DocumentType: ptr(model.DocXRay)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Updated) != 1 || res.Updated[0] != "a" {
		t.Errorf("Updated = %v", res.Updated)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("Failed = %v", res.Failed)
	}

	a, _ := tr.Get("a")
	if a.PatientID == nil || *a.PatientID != "p1" || a.State != model.StateAssigning {
		t.Errorf("a = %+v", a)
	}
	b, _ := tr.Get("b")
	if b.PatientID != nil || b.State != model.StateUploaded {
		t.Errorf("b changed after failed update: %+v", b)
	}

	gets := 0
	for _, c := range fb.Calls() {
		if c == "GetPatient:p1" {
			gets++
		}
	}
	if gets != 1 {
		t.Errorf("patient validated %d times, want 1", gets)
	}
}

func TestAssignBatchRejectsUnknownPatient(t *testing.T) {
	fb := newFakeBackend()
	tr := session.NewTracker(20)
	admit(t, tr, "a", nil, nil)
	svc := newReview(fb, tr)

	_, err := svc.AssignBatch(context.Background(), []string{"a"}, model.Assignment{PatientID: ptr("nobody")})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if _, err := svc.AssignBatch(context.Background(), []string{"a"}, model.Assignment{}); !errors.As(err, &verr) {
		t.Errorf("empty assignment error = %v", err)
	}
	if _, err := svc.AssignBatch(context.Background(), nil, model.Assignment{PatientID: ptr("p1")}); !errors.As(err, &verr) {
		t.Errorf("empty ids error = %v", err)
	}
}

func TestStartProcessing(t *testing.T) {
	fb := newFakeBackend()
	fb.failOCR["c"] = true
	tr := session.NewTracker(20)
	admit(t, tr, "a", ptr("p1"), ptr(model.DocLabResult))
	admit(t, tr, "b", ptr("p1"), nil)
	admit(t, tr, "c", ptr("p1"), ptr(model.DocECG))
	svc := newReview(fb, tr)

	jobs := svc.StartProcessing(context.Background(), []string{"a", "b", "c"})
	if len(jobs) != 3 {
		t.Fatalf("jobs = %v", jobs)
	}
	if !jobs[0].Started || jobs[0].DocumentType != "lab_result" {
		t.Errorf("job a = %+v", jobs[0])
	}
	if jobs[1].Started || jobs[1].Error == "" {
		t.Errorf("job b should fail readiness: %+v", jobs[1])
	}
	if jobs[2].Started || jobs[2].Error == "" {
		t.Errorf("job c should fail: %+v", jobs[2])
	}

	if _, err := tr.Get("a"); !errors.Is(err, session.ErrNotFound) {
		t.Error("processed record still in session")
	}
	c, _ := tr.Get("c")
	if c.State != model.StateError || c.Error == "" {
		t.Errorf("c = %+v, want error state", c)
	}
	for _, call := range fb.Calls() {
		if call == "ProcessOCR:b" {
			t.Error("record without document type reached the backend")
		}
	}
}

func TestQueueRejectsUnknownName(t *testing.T) {
	svc := newReview(newFakeBackend(), session.NewTracker(20))
	var verr *ValidationError
	if _, err := svc.Queue(context.Background(), "trash"); !errors.As(err, &verr) {
		t.Errorf("error = %v, want ValidationError", err)
	}
	docs, err := svc.Queue(context.Background(), backend.QueueProcessing)
	if err != nil || len(docs) != 1 {
		t.Errorf("Queue() = %v, %v", docs, err)
	}
}

func TestPatientServiceUsesCache(t *testing.T) {
	fb := newFakeBackend()
	svc := NewPatientService(fb, repository.NewMemoryPatientCache(16, time.Minute))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := svc.Get(ctx, "p1"); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.List(ctx, model.PatientQuery{Search: "pop"}); err != nil {
			t.Fatal(err)
		}
	}
	calls := fb.Calls()
	if len(calls) != 2 {
		t.Errorf("backend calls = %v, want one per query", calls)
	}
	_ = svc.Invalidate(ctx)
	_, _ = svc.Get(ctx, "p1")
	if len(fb.Calls()) != 3 {
		t.Error("Invalidate did not force a refetch")
	}
}

func newUploadSvc(fb *fakeBackend, tr *session.Tracker) UploadService {
	orch := pipeline.New(tr,
		imaging.NewCompressor(imaging.UploadOptions()),
		imaging.NewThumbnailer(64, 0.8, 0),
		fb, pipeline.Options{Workers: 2})
	return NewUploadService(tr, orch, fb, config.UploadConfig{
		Quota:        20,
		MaxFileBytes: 1 << 20,
		AllowedTypes: []string{"image/jpeg", "image/png", "application/pdf"},
	})
}

func TestStartBatchFiltersInvalidFiles(t *testing.T) {
	fb := newFakeBackend()
	fb.failUpload["broken.pdf"] = true
	tr := session.NewTracker(20)
	svc := newUploadSvc(fb, tr)

	files := []imaging.File{
		{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 a")},
		{Name: "empty.pdf", ContentType: "application/pdf"},
		{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hello")},
		{Name: "broken.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4 b")},
		{Name: "huge.pdf", ContentType: "application/pdf", Data: make([]byte, 2<<20)},
	}
	res := svc.StartBatch(context.Background(), files, nil)
	if len(res.Accepted) != 1 {
		t.Errorf("Accepted = %v", res.Accepted)
	}
	if len(res.Failures) != 4 {
		t.Fatalf("Failures = %+v", res.Failures)
	}
	// 编排器的失败项也按原始选择中的位置编号
	want := []struct {
		index int
		name  string
	}{{2, "empty.pdf"}, {3, "notes.txt"}, {4, "broken.pdf"}, {5, "huge.pdf"}}
	for i, w := range want {
		if f := res.Failures[i]; f.Index != w.index || f.Filename != w.name {
			t.Errorf("failure %d = %d/%s, want %d/%s", i, f.Index, f.Filename, w.index, w.name)
		}
	}
	if q := svc.Quota(); q.Used != 1 || q.Remaining != 19 {
		t.Errorf("Quota() = %+v", q)
	}
}

func TestSelectionAndDiscard(t *testing.T) {
	fb := newFakeBackend()
	tr := session.NewTracker(20)
	for _, id := range []string{"a", "b", "c"} {
		admit(t, tr, id, nil, nil)
	}
	svc := newUploadSvc(fb, tr)

	ids, err := svc.UpdateSelection(SelectAll, nil)
	if err != nil || len(ids) != 3 {
		t.Fatalf("select all = %v, %v", ids, err)
	}
	if ids, _ = svc.UpdateSelection(SelectToggle, []string{"b"}); len(ids) != 2 {
		t.Errorf("after toggle = %v", ids)
	}
	if _, err := svc.UpdateSelection("bogus", nil); err == nil {
		t.Error("unknown op accepted")
	}
	if err := svc.Discard("a"); err != nil {
		t.Fatal(err)
	}
	views := svc.List(time.Now())
	if len(views) != 2 || views[0].ID != "b" || views[0].Selected || !views[1].Selected {
		t.Errorf("List() = %+v", views)
	}
}

func TestReloadReconcilesUnprocessed(t *testing.T) {
	fb := newFakeBackend()
	for i := 0; i < 22; i++ {
		fb.unprocessed = append(fb.unprocessed, &model.UploadRecord{ID: string(rune('a' + i)), Filename: "f"})
	}
	tr := session.NewTracker(20)
	svc := newUploadSvc(fb, tr)
	dropped, err := svc.Reload(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 2 || tr.Count() != 20 {
		t.Errorf("dropped=%d count=%d", dropped, tr.Count())
	}
}

func TestHandleNotification(t *testing.T) {
	fb := newFakeBackend()
	tr := session.NewTracker(20)
	admit(t, tr, "a", nil, nil)
	admit(t, tr, "b", nil, nil)
	svc := newUploadSvc(fb, tr)
	ctx := context.Background()

	if err := svc.HandleNotification(ctx, tasks.ProcessingNotification{UploadID: "a", Status: tasks.StatusFailed}); err != nil {
		t.Fatal(err)
	}
	a, _ := tr.Get("a")
	if a.State != model.StateError || a.Error == "" {
		t.Errorf("a = %+v", a)
	}
	if err := svc.HandleNotification(ctx, tasks.ProcessingNotification{DocumentID: "b", Status: tasks.StatusProcessed}); err != nil {
		t.Fatal(err)
	}
	if tr.Count() != 1 {
		t.Errorf("Count() = %d, want 1", tr.Count())
	}
	if err := svc.HandleNotification(ctx, tasks.ProcessingNotification{UploadID: "zzz", Status: tasks.StatusDeleted}); err != nil {
		t.Errorf("unknown id should be ignored: %v", err)
	}
}

func TestForwardEvents(t *testing.T) {
	tr := session.NewTracker(20)
	var got []tasks.UploadEvent
	stop := ForwardEvents("user:alice", tr, func(ev tasks.UploadEvent) { got = append(got, ev) })
	admit(t, tr, "a", nil, nil)
	_ = tr.AssignPatient("a", "p1")
	stop()
	_ = tr.Remove("a")

	if len(got) != 2 {
		t.Fatalf("events = %+v", got)
	}
	if got[1].PatientID != "p1" || got[1].Quota != 20 || got[0].RecordID != "a" || got[0].Session != "user:alice" {
		t.Errorf("events = %+v", got)
	}
}

func TestHistoryListsEverythingNewestFirst(t *testing.T) {
	fb := newFakeBackend()
	now := time.Now()
	fb.unprocessed = []*model.UploadRecord{
		{ID: "old", UploadedAt: now.Add(-2 * time.Hour)},
		{ID: "new", UploadedAt: now},
		{ID: "mid", UploadedAt: now.Add(-time.Hour)},
	}
	tr := session.NewTracker(20)
	svc := newUploadSvc(fb, tr)

	records, err := svc.History(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 || records[0].ID != "new" || records[2].ID != "old" {
		t.Errorf("History() = %v", records)
	}
	if fb.unprocessed[0].ID != "old" {
		t.Error("History reordered the backend's slice")
	}
	if tr.Count() != 0 {
		t.Errorf("History changed the session: Count() = %d", tr.Count())
	}
	if calls := fb.Calls(); len(calls) != 1 || calls[0] != "ListUploads" {
		t.Errorf("backend calls = %v", calls)
	}
}
