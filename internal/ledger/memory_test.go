package ledger

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRecordConcurrentExactlyOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, res, err := m.Record(ctx, Entry{
				SessionID: "s1",
				StudentID: "1RV21CS001",
				Subject:   "CN",
				QR:        true, Location: true, Face: true,
			})
			if err != nil {
				t.Error(err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var created, already int
	for res := range results {
		switch res {
		case ResultCreated:
			created++
		case ResultAlreadyRecorded:
			already++
		}
	}
	if created != 1 || already != n-1 {
		t.Fatalf("want 1 created and %d already_recorded, got %d and %d", n-1, created, already)
	}

	recs, err := m.SessionRecords(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("want exactly one record, got %d", len(recs))
	}
}

func TestOverrideCollidesWithPipelineSameDay(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ts := time.Date(2026, 2, 10, 9, 30, 0, 0, time.UTC)

	_, res, err := m.Record(ctx, Entry{
		SessionID: "s1", StudentID: "1RV21CS001", Subject: "CN",
		QR: true, Location: true, Face: true, Timestamp: ts,
	})
	if err != nil || res != ResultCreated {
		t.Fatalf("pipeline write: %v %s", err, res)
	}

	// override for the same student, subject and day must not double-count
	_, res, err = m.Record(ctx, Entry{
		StudentID: "1RV21CS001", Subject: "CN", ByTeacher: true,
		Timestamp: ts.Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultAlreadyRecorded {
		t.Fatalf("want already_recorded, got %s", res)
	}

	// a different subject the same day is a separate class period
	_, res, err = m.Record(ctx, Entry{
		StudentID: "1RV21CS001", Subject: "DBMS", ByTeacher: true, Timestamp: ts,
	})
	if err != nil || res != ResultCreated {
		t.Fatalf("different subject: %v %s", err, res)
	}

	// next day is a new period
	_, res, err = m.Record(ctx, Entry{
		StudentID: "1RV21CS001", Subject: "CN", ByTeacher: true,
		Timestamp: ts.Add(24 * time.Hour),
	})
	if err != nil || res != ResultCreated {
		t.Fatalf("next day: %v %s", err, res)
	}
}

func TestPipelineAfterOverrideIsAlreadyRecorded(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ts := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	if _, res, _ := m.Record(ctx, Entry{
		StudentID: "1RV21CS002", Subject: "CN", ByTeacher: true, Timestamp: ts,
	}); res != ResultCreated {
		t.Fatalf("override write: %s", res)
	}

	_, res, err := m.Record(ctx, Entry{
		SessionID: "s2", StudentID: "1RV21CS002", Subject: "CN",
		QR: true, Location: true, Face: true, Timestamp: ts.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultAlreadyRecorded {
		t.Fatalf("want already_recorded, got %s", res)
	}
}

func TestQueryFiltersAndOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	seed := []Entry{
		{SessionID: "s1", StudentID: "a", Section: "CSE-3A", Subject: "CN", Timestamp: base.Add(2 * time.Minute)},
		{SessionID: "s1", StudentID: "b", Section: "CSE-3A", Subject: "CN", Timestamp: base},
		{SessionID: "s2", StudentID: "c", Section: "CSE-3B", Subject: "DBMS", Timestamp: base.Add(time.Minute)},
	}
	for _, e := range seed {
		if _, res, err := m.Record(ctx, e); err != nil || res != ResultCreated {
			t.Fatalf("seed: %v %s", err, res)
		}
	}

	all, err := m.Query(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("want 3 records, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Fatal("records not ordered by timestamp ascending")
		}
	}

	cn, _ := m.Query(ctx, Filter{Subject: "CN"})
	if len(cn) != 2 {
		t.Fatalf("subject filter: want 2, got %d", len(cn))
	}
	sec, _ := m.Query(ctx, Filter{Section: "CSE-3B"})
	if len(sec) != 1 || sec[0].StudentID != "c" {
		t.Fatalf("section filter wrong: %+v", sec)
	}
	window, _ := m.Query(ctx, Filter{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)})
	if len(window) != 1 || window[0].StudentID != "c" {
		t.Fatalf("time window filter wrong: %+v", window)
	}
}

func TestHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

	entries := []Entry{
		{SessionID: "s1", StudentID: "a", Subject: "CN", QR: true, Location: true, Face: true, Timestamp: base},
		{StudentID: "a", Subject: "DBMS", ByTeacher: true, Timestamp: base.Add(time.Hour)},
		{SessionID: "s3", StudentID: "b", Subject: "CN", Timestamp: base},
	}
	for _, e := range entries {
		if _, _, err := m.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	h, err := m.History(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if h.TotalRecords != 2 || h.Attended != 2 {
		t.Fatalf("want 2/2, got %d/%d", h.TotalRecords, h.Attended)
	}
	if h.Percentage != 100 {
		t.Fatalf("want 100%%, got %g", h.Percentage)
	}
	if !h.Records[0].Face || h.Records[0].ByTeacher {
		t.Fatalf("pipeline record flags wrong: %+v", h.Records[0])
	}
	if h.Records[1].Face || !h.Records[1].ByTeacher {
		t.Fatalf("override record flags wrong: %+v", h.Records[1])
	}
}

func TestClassDate(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	ts := time.Date(2026, 2, 11, 1, 0, 0, 0, ist) // still Feb 10 in UTC
	if got := ClassDate(ts); got != "2026-02-10" {
		t.Fatalf("want 2026-02-10, got %s", got)
	}
}
