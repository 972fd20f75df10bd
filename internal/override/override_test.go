package override

import (
	"context"
	"testing"

	"presence/internal/directory"
	"presence/internal/ledger"
)

func newFixture() (*Service, *ledger.Memory) {
	led := ledger.NewMemory()
	dir := directory.NewStatic()
	dir.AddStudent(directory.Student{ID: "1RV21CS001", Name: "Asha", Section: "CSE-3A"})
	dir.AddStudent(directory.Student{ID: "1RV21CS002", Name: "Kiran", Section: "CSE-3A"})
	return New(led, dir, nil, nil), led
}

func TestMarkWritesOverrideRecords(t *testing.T) {
	svc, led := newFixture()
	ctx := context.Background()

	outcomes, err := svc.Mark(ctx, "CN", "T1", []string{"1RV21CS001", "1RV21CS002"})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("want 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != StatusMarked {
			t.Fatalf("want marked, got %+v", o)
		}
	}

	h, err := led.History(ctx, "1RV21CS001")
	if err != nil {
		t.Fatal(err)
	}
	if h.TotalRecords != 1 {
		t.Fatalf("want 1 record, got %d", h.TotalRecords)
	}
	r := h.Records[0]
	if r.QR || r.Location || r.Face || !r.ByTeacher {
		t.Fatalf("override flags wrong: %+v", r)
	}
	if r.SessionID != "" {
		t.Fatalf("override records carry no session id: %+v", r)
	}
	if r.Reference != "manual-T1-CN" {
		t.Fatalf("reference wrong: %q", r.Reference)
	}
	if r.StudentName != "Asha" || r.Section != "CSE-3A" {
		t.Fatalf("directory fields missing: %+v", r)
	}
}

func TestMarkSecondCallIsAlreadyRecorded(t *testing.T) {
	svc, _ := newFixture()
	ctx := context.Background()

	if _, err := svc.Mark(ctx, "CN", "T1", []string{"1RV21CS001"}); err != nil {
		t.Fatal(err)
	}
	outcomes, err := svc.Mark(ctx, "CN", "T1", []string{"1RV21CS001"})
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Status != StatusAlreadyRecorded {
		t.Fatalf("want already_recorded, got %+v", outcomes[0])
	}
}

func TestMarkAfterPipelineRecordSameDay(t *testing.T) {
	svc, led := newFixture()
	ctx := context.Background()

	if _, res, err := led.Record(ctx, ledger.Entry{
		SessionID: "s1", StudentID: "1RV21CS001", Subject: "CN",
		QR: true, Location: true, Face: true,
	}); err != nil || res != ledger.ResultCreated {
		t.Fatalf("pipeline seed: %v %s", err, res)
	}

	outcomes, err := svc.Mark(ctx, "CN", "T1", []string{"1RV21CS001", "1RV21CS002"})
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Status != StatusAlreadyRecorded {
		t.Fatalf("pipeline-marked student must dedupe: %+v", outcomes[0])
	}
	if outcomes[1].Status != StatusMarked {
		t.Fatalf("unmarked student should be marked: %+v", outcomes[1])
	}
}

func TestMarkUnknownStudent(t *testing.T) {
	svc, _ := newFixture()

	outcomes, err := svc.Mark(context.Background(), "CN", "T1", []string{"ghost", "1RV21CS001"})
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Status != StatusUnknownStudent {
		t.Fatalf("want unknown_student, got %+v", outcomes[0])
	}
	if outcomes[1].Status != StatusMarked {
		t.Fatalf("known student should still be marked: %+v", outcomes[1])
	}
}

func TestMarkValidation(t *testing.T) {
	svc, _ := newFixture()
	if _, err := svc.Mark(context.Background(), "", "T1", []string{"1RV21CS001"}); err == nil {
		t.Fatal("empty subject must fail")
	}
	if _, err := svc.Mark(context.Background(), "CN", "T1", nil); err == nil {
		t.Fatal("empty student list must fail")
	}
}
