package keystore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var testUID = [7]byte{0x04, 0xDE, 0x5F, 0x1E, 0xAC, 0xC0, 0x40}

func sampleRecord() *Record {
	r := NewRecord(testUID)
	r.Status = StatusPending
	r.Operation = OpProvision
	r.Phase = "change-key-3"
	r.LastError = "transport: reader removed"
	r.RunID = "6f1c2d1e-1111-4222-8333-444455556666"
	for i := range r.Staged {
		r.Staged[i].Index = byte(i)
		for j := range r.Staged[i].Key {
			r.Staged[i].Key[j] = byte(0x10*i + j)
		}
		r.Staged[i].Version = 1
	}
	r.MarkApplied(0)
	r.MarkApplied(1)
	r.InFlight = r.InFlight.With(3)
	return r
}

func sameRecord(a, b *Record) bool {
	x, y := *a, *b
	if !x.LastModified.Equal(y.LastModified) {
		return false
	}
	x.LastModified, y.LastModified = time.Time{}, time.Time{}
	return x == y
}

func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Load(ctx, testUID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec := sampleRecord()
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rec.LastModified.IsZero() {
		t.Fatal("Save must stamp LastModified")
	}
	got, err := s.Load(ctx, testUID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !sameRecord(got, rec) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}

	got.Status = StatusProvisioned
	got.InFlight = 0
	got.MarkApplied(3)
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	again, err := s.Load(ctx, testUID)
	if err != nil {
		t.Fatalf("Load after update: %v", err)
	}
	if again.Status != StatusProvisioned || again.Keys[3] != rec.Staged[3] || again.InFlight != 0 {
		t.Fatalf("update not persisted: %+v", again)
	}

	other := NewRecord([7]byte{0x04, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	if err := s.Save(ctx, other); err != nil {
		t.Fatalf("Save other: %v", err)
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].UID != other.UID || all[1].UID != testUID {
		t.Fatalf("List returned %d records in unexpected order", len(all))
	}
}

func TestMemStore(t *testing.T) {
	runStoreContract(t, NewMemStore())
}

func TestMemStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	rec := NewRecord(testUID)
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	rec.Status = StatusFailed
	got, _ := s.Load(ctx, testUID)
	if got.Status != StatusFactory {
		t.Fatalf("stored record aliased the caller's copy: %s", got.Status)
	}
}

func TestDirStore(t *testing.T) {
	s, err := OpenDir(filepath.Join(t.TempDir(), "tags"))
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	runStoreContract(t, s)
}

func TestDirStoreWritesReadableYAML(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	if err := s.Save(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "04DE5F1EACC040.yaml"))
	if err != nil {
		t.Fatalf("read record file: %v", err)
	}
	for _, want := range []string{"uid: 04DE5F1EACC040", "status: pending", "operation: provision", "applied: [0, 1]", "in_flight: [3]"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("expected %q in record file:\n%s", want, data)
		}
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the record file, found %d entries", len(entries))
	}
}

func TestDirStoreRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	body := "uid: 04DE5F1EACC040\nstatus: factory\nkeys: []\nlast_modified: 2024-01-02T03:04:05Z\ncolour: blue\n"
	if err := os.WriteFile(filepath.Join(dir, "04DE5F1EACC040.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Load(context.Background(), testUID); err == nil || !strings.Contains(err.Error(), "colour") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tags.db"), "")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer func() { _ = s.Close() }()
	runStoreContract(t, s)
}

func TestSQLiteStoreEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.db")
	s, err := OpenSQLite(path, "correct horse")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Save(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read db: %v", err)
	}
	if strings.Contains(string(raw), "04DE5F1EACC040") {
		t.Fatal("encrypted store leaks the UID in clear")
	}

	if _, err := OpenSQLite(path, "wrong"); err == nil {
		t.Fatal("expected error opening with the wrong password")
	}

	s, err = OpenSQLite(path, "correct horse")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	got, err := s.Load(context.Background(), testUID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.RunID != sampleRecord().RunID {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusFactory, StatusPending, true},
		{StatusFactory, StatusProvisioned, false},
		{StatusPending, StatusProvisioned, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusFactory, true},
		{StatusProvisioned, StatusPending, true},
		{StatusProvisioned, StatusFailed, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusProvisioned, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
	r := NewRecord(testUID)
	if err := r.Transition(StatusProvisioned); err == nil || !strings.Contains(err.Error(), "factory -> provisioned") {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestMarkApplied(t *testing.T) {
	r := sampleRecord()
	if !r.Applied.Has(0) || !r.Applied.Has(1) || r.Applied.Has(3) {
		t.Fatalf("unexpected applied set %v", r.Applied.Slots())
	}
	r.MarkApplied(3)
	if r.InFlight.Has(3) || r.Keys[3] != r.Staged[3] {
		t.Fatal("MarkApplied must clear in-flight and copy the staged key")
	}
}

func TestFinishClearsRun(t *testing.T) {
	r := sampleRecord()
	if err := r.Finish(StatusProvisioned); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if r.Operation != "" || r.Applied != 0 || r.InFlight != 0 || r.Phase != "" || r.LastError != "" {
		t.Fatalf("run state left behind: %+v", r)
	}
	if r.Keys[0] != sampleRecord().Staged[0] {
		t.Fatal("Finish must keep the applied keys")
	}
	if err := r.Finish(StatusFailed); err == nil {
		t.Fatal("provisioned -> failed must be rejected")
	}
}

func TestParseUID(t *testing.T) {
	uid, err := ParseUID("04de5f1eacc040")
	if err != nil || uid != testUID {
		t.Fatalf("ParseUID: %X %v", uid, err)
	}
	if _, err := ParseUID("04DE5F"); err == nil {
		t.Fatal("expected error for short UID")
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("postgres", "", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	s, err := Open("memory", "", "")
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := s.(*MemStore); !ok {
		t.Fatalf("expected *MemStore, got %T", s)
	}
}
