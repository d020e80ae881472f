package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"reconomed-intake/internal/model"
)

func newRecord(id string) *model.UploadRecord {
	now := time.Now()
	return &model.UploadRecord{
		ID:         id,
		Filename:   id + ".jpg",
		UploadedAt: now,
		ExpiresAt:  now.Add(30 * 24 * time.Hour),
		State:      model.StateUploaded,
	}
}

func TestAdmitEnforcesQuota(t *testing.T) {
	tr := NewTracker(3)
	for i := 0; i < 3; i++ {
		if err := tr.Admit(newRecord(fmt.Sprintf("u%d", i))); err != nil {
			t.Fatalf("Admit(%d) error = %v", i, err)
		}
	}
	if tr.CanAcceptMore() {
		t.Error("CanAcceptMore() = true at quota")
	}
	if err := tr.Admit(newRecord("u3")); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Admit over quota error = %v, want ErrQuotaExceeded", err)
	}
	if err := tr.Remove("u1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := tr.Admit(newRecord("u3")); err != nil {
		t.Errorf("Admit after Remove error = %v", err)
	}
}

func TestQuotaInvariantRandomSequence(t *testing.T) {
	tr := NewTracker(DefaultQuota)
	rng := rand.New(rand.NewSource(7))
	next := 0
	for step := 0; step < 2000; step++ {
		switch rng.Intn(4) {
		case 0, 1:
			_ = tr.Admit(newRecord(fmt.Sprintf("r%d", next)))
			next++
		case 2:
			list := tr.List()
			if len(list) > 0 {
				_ = tr.Remove(list[rng.Intn(len(list))].ID)
			}
		case 3:
			k := tr.Reserve(rng.Intn(5))
			for i := 0; i < k; i++ {
				if rng.Intn(2) == 0 {
					_ = tr.AdmitReserved(newRecord(fmt.Sprintf("r%d", next)))
					next++
				} else {
					tr.Release(1)
				}
			}
		}
		if c := tr.Count(); c > DefaultQuota {
			t.Fatalf("step %d: count %d exceeds quota", step, c)
		}
	}
}

func TestReserveConcurrent(t *testing.T) {
	tr := NewTracker(20)
	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := tr.Reserve(5)
			mu.Lock()
			total += k
			mu.Unlock()
		}()
	}
	wg.Wait()
	if total != 20 {
		t.Errorf("total reserved = %d, want 20", total)
	}
	if tr.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", tr.Remaining())
	}
	tr.Release(20)
	if tr.Remaining() != 20 {
		t.Errorf("Remaining() after release = %d, want 20", tr.Remaining())
	}
}

func TestUnknownIDReturnsNotFound(t *testing.T) {
	tr := NewTracker(5)
	checks := map[string]error{
		"AssignPatient":      tr.AssignPatient("missing", "p1"),
		"AssignDocumentType": tr.AssignDocumentType("missing", model.DocXRay),
		"SetState":           tr.SetState("missing", model.StateError, "x"),
		"Remove":             tr.Remove("missing"),
		"Select":             tr.Select("missing"),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s error = %v, want ErrNotFound", name, err)
		}
	}
	if _, err := tr.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v", err)
	}
}

func TestAssignIsIdempotentAndSnapshotsAreCopies(t *testing.T) {
	tr := NewTracker(5)
	if err := tr.Admit(newRecord("a")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.AssignPatient("a", "p-9"); err != nil {
			t.Fatal(err)
		}
		if err := tr.AssignDocumentType("a", model.DocLabResult); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := tr.Get("a")
	if *rec.PatientID != "p-9" || *rec.DocumentType != model.DocLabResult {
		t.Fatalf("unexpected record %+v", rec)
	}
	*rec.PatientID = "tampered"
	again, _ := tr.Get("a")
	if *again.PatientID != "p-9" {
		t.Error("snapshot mutation leaked into tracker")
	}
}

func TestSelectionOnlyHoldsTrackedIDs(t *testing.T) {
	tr := NewTracker(5)
	for _, id := range []string{"a", "b", "c"} {
		_ = tr.Admit(newRecord(id))
	}
	on, err := tr.ToggleSelected("b")
	if err != nil || !on {
		t.Fatalf("ToggleSelected() = %v, %v", on, err)
	}
	tr.SelectAll()
	if tr.SelectedCount() != 3 {
		t.Fatalf("SelectedCount() = %d", tr.SelectedCount())
	}
	_ = tr.Remove("b")
	got := tr.SelectedIDs()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("SelectedIDs() = %v, want [a c]", got)
	}
	tr.SelectNone()
	if tr.SelectedCount() != 0 {
		t.Error("SelectNone did not clear")
	}
}

func TestStale(t *testing.T) {
	tr := NewTracker(5)
	now := time.Now()
	old := newRecord("old")
	old.ExpiresAt = now.Add(-time.Hour)
	_ = tr.Admit(old)
	_ = tr.Admit(newRecord("fresh"))
	stale := tr.Stale(now)
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Errorf("Stale() = %v", stale)
	}
	if st := tr.ExpiryStatus(old, now); st.Level != model.ExpiryExpired {
		t.Errorf("ExpiryStatus() = %+v", st)
	}
}

func TestReconcileKeepsLocalStateAndTruncates(t *testing.T) {
	tr := NewTracker(2)
	local := newRecord("a")
	local.ThumbnailURL = "data:image/jpeg;base64,xx"
	_ = tr.Admit(local)
	_ = tr.Select("a")

	server := []*model.UploadRecord{newRecord("a"), newRecord("b"), newRecord("c")}
	server[1].State = ""
	dropped := tr.Reconcile(server)
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	list := tr.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List() = %v", list)
	}
	if list[0].ThumbnailURL == "" {
		t.Error("thumbnail lost on reconcile")
	}
	if list[1].State != model.StateUploaded {
		t.Errorf("default state = %q", list[1].State)
	}
	if ids := tr.SelectedIDs(); len(ids) != 1 || ids[0] != "a" {
		t.Errorf("SelectedIDs() = %v", ids)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	tr := NewTracker(5)
	var kinds []EventKind
	unsubscribe := tr.Subscribe(func(ev Event) {
		kinds = append(kinds, ev.Kind)
		// 回调在锁外执行，可以回读跟踪器
		_ = tr.Count()
	})
	_ = tr.Admit(newRecord("a"))
	_ = tr.SetState("a", model.StateAssigning, "")
	_ = tr.Remove("a")
	unsubscribe()
	_ = tr.Admit(newRecord("b"))

	want := []EventKind{EventAdmitted, EventUpdated, EventRemoved}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestAdmitReservedAfterReconcileMergesLocalFields(t *testing.T) {
	tr := NewTracker(3)
	if k := tr.Reserve(2); k != 2 {
		t.Fatalf("Reserve() = %d", k)
	}

	// 上传期间的一次同步已经从服务端拿到了 a
	server := newRecord("srv-a")
	server.OriginalSize = 0
	tr.Reconcile([]*model.UploadRecord{server})

	local := newRecord("srv-a")
	local.ThumbnailURL = "data:image/jpeg;base64,AAAA"
	local.OriginalSize = 4096
	local.CompressedSize = 1024
	if err := tr.AdmitReserved(local); err != nil {
		t.Fatalf("AdmitReserved() for reconciled id error = %v", err)
	}
	got, _ := tr.Get("srv-a")
	if got.ThumbnailURL != local.ThumbnailURL || got.OriginalSize != 4096 || got.CompressedSize != 1024 {
		t.Errorf("local fields not merged: %+v", got)
	}
	if tr.Count() != 1 {
		t.Errorf("Count() = %d, want 1", tr.Count())
	}

	if err := tr.AdmitReserved(newRecord("b")); err != nil {
		t.Fatalf("AdmitReserved(b) error = %v", err)
	}
	// 两个预留都已消耗
	if tr.Count() != 2 || tr.Remaining() != 1 {
		t.Errorf("Count()=%d Remaining()=%d, want 2 and 1", tr.Count(), tr.Remaining())
	}
}

func TestMarkProcessing(t *testing.T) {
	tr := NewTracker(5)
	_ = tr.Admit(newRecord("ready"))
	_ = tr.Admit(newRecord("bare"))
	_ = tr.AssignPatient("ready", "p1")
	_ = tr.AssignDocumentType("ready", model.DocumentType("blood_test"))

	if _, err := tr.MarkProcessing("bare"); err == nil {
		t.Error("MarkProcessing() accepted an unassigned record")
	}
	if got, _ := tr.Get("bare"); got.State != model.StateUploaded {
		t.Errorf("failed MarkProcessing changed state to %s", got.State)
	}
	if _, err := tr.MarkProcessing("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkProcessing(missing) error = %v, want ErrNotFound", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.MarkProcessing("ready"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyProcessing) {
				t.Errorf("MarkProcessing() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Errorf("%d callers marked the record, want exactly 1", won)
	}
}
