package provision_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/barnettlynn/sdmprov/pkg/keystore"
	"github.com/barnettlynn/sdmprov/pkg/ntag424"
	"github.com/barnettlynn/sdmprov/pkg/ntag424/tagsim"
	"github.com/barnettlynn/sdmprov/pkg/provision"
)

var testUID = []byte{0x04, 0xDE, 0x5F, 0x1E, 0xAC, 0xC0, 0x40}

func uidOf(b []byte) [7]byte {
	var u [7]byte
	copy(u[:], b)
	return u
}

func sdmSettings() ntag424.SDMConfig {
	return ntag424.SDMConfig{
		FileNo:          ntag424.NDEFFileNo,
		FileSize:        ntag424.NDEFFileSize,
		CommMode:        ntag424.CommPlain,
		Access:          ntag424.AccessRights{Read: ntag424.AccessFree, Write: 0, ReadWrite: 0, Change: 0},
		Enabled:         true,
		MirrorUID:       true,
		MirrorCounter:   true,
		MetaReadKey:     ntag424.AccessFree,
		FileReadKey:     1,
		CtrRetrievalKey: 1,
	}
}

func newCoordinator(t *testing.T, store keystore.Store) *provision.Coordinator {
	t.Helper()
	tpl, err := ntag424.BuildSDMNDEF("https://example.com/tap", ntag424.MirrorPlain)
	if err != nil {
		t.Fatalf("BuildSDMNDEF: %v", err)
	}
	c, err := provision.New(store, provision.RandomKeys{}, sdmSettings(), tpl)
	if err != nil {
		t.Fatalf("provision.New: %v", err)
	}
	return c
}

// checkTagMatchesRecord asserts the on-tag keys equal the record.
func checkTagMatchesRecord(t *testing.T, tag *tagsim.Tag, rec *keystore.Record) {
	t.Helper()
	for slot := byte(0); slot < 5; slot++ {
		key, ver := tag.Key(slot)
		if !bytes.Equal(key, rec.Keys[slot].Key[:]) || ver != rec.Keys[slot].Version {
			t.Fatalf("slot %d: tag has %X v%d, record %X v%d", slot, key, ver, rec.Keys[slot].Key, rec.Keys[slot].Version)
		}
	}
}

func TestProvisionFactoryTag(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemStore()
	c := newCoordinator(t, store)
	tag := tagsim.New(testUID)

	rec, err := c.Provision(ctx, tag)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if rec.Status != keystore.StatusProvisioned || rec.Operation != "" || rec.RunID == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	checkTagMatchesRecord(t, tag, rec)
	for _, slot := range []byte{0, 1, 3} {
		if rec.Keys[slot].Version != 1 || rec.Keys[slot].Key == ([16]byte{}) {
			t.Fatalf("slot %d was not rotated: %+v", slot, rec.Keys[slot])
		}
	}
	for _, slot := range []byte{2, 4} {
		if rec.Keys[slot].Version != 0 || rec.Keys[slot].Key != ([16]byte{}) {
			t.Fatalf("slot %d should be untouched: %+v", slot, rec.Keys[slot])
		}
	}

	stored, err := store.Load(ctx, uidOf(testUID))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.Status != keystore.StatusProvisioned || stored.Keys != rec.Keys {
		t.Fatalf("store does not hold the provisioned record: %+v", stored)
	}

	fs := tag.FileSettings(ntag424.NDEFFileNo)
	if !fs.SDMEnabled() || fs.Access().Write != 0 {
		t.Fatalf("unexpected file settings %+v", fs)
	}

	u, err := ntag424.ReadNDEFURL(tag)
	if err != nil {
		t.Fatalf("ReadNDEFURL: %v", err)
	}
	tap, err := ntag424.VerifySDMMAC(u, rec.Keys[1].Key[:])
	if err != nil {
		t.Fatalf("VerifySDMMAC(%s): %v", u, err)
	}
	if !bytes.Equal(tap.UID, testUID) || tap.Counter != 1 {
		t.Fatalf("unexpected tap %+v", tap)
	}
}

func TestProvisionRefusesProvisionedTag(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, keystore.NewMemStore())
	tag := tagsim.New(testUID)
	first, err := c.Provision(ctx, tag)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	_, err = c.Provision(ctx, tag)
	if !errors.Is(err, provision.ErrAlreadyProvisioned) {
		t.Fatalf("expected ErrAlreadyProvisioned, got %v", err)
	}

	c.Reprovision = true
	second, err := c.Provision(ctx, tag)
	if err != nil {
		t.Fatalf("re-provision: %v", err)
	}
	if second.Keys[0].Version != 2 || second.Keys[0].Key == first.Keys[0].Key {
		t.Fatalf("master not rotated on re-provision: %+v", second.Keys[0])
	}
	checkTagMatchesRecord(t, tag, second)
}

func TestProvisionRecoversDroppedMasterChange(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemStore()
	c := newCoordinator(t, store)
	tag := tagsim.New(testUID)
	tag.Inject(tagsim.Fault{Match: tagsim.MatchChangeKey(0), Kind: tagsim.FaultDropResponse})

	rec, err := c.Provision(ctx, tag)
	if phase, ok := provision.FailedPhase(err); !ok || phase != provision.PhaseChangeMaster {
		t.Fatalf("expected change-key-0 failure, got %v", err)
	}
	if rec.Status != keystore.StatusFailed || !rec.InFlight.Has(0) || rec.Applied.Has(0) {
		t.Fatalf("expected failed record with slot 0 in flight, got %+v", rec)
	}
	onTag, _ := tag.Key(0)
	if !bytes.Equal(onTag, rec.Staged[0].Key[:]) {
		t.Fatal("the tag should already hold the staged master")
	}

	rec, err = c.Provision(ctx, tag)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Status != keystore.StatusProvisioned || rec.InFlight != 0 {
		t.Fatalf("unexpected record after resume %+v", rec)
	}
	checkTagMatchesRecord(t, tag, rec)
}

func TestProvisionMasterChangeNeverSent(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, keystore.NewMemStore())
	tag := tagsim.New(testUID)
	tag.Inject(tagsim.Fault{Match: tagsim.MatchChangeKey(0), Kind: tagsim.FaultTransport})

	rec, err := c.Provision(ctx, tag)
	if !errors.Is(err, tagsim.ErrInjected) {
		t.Fatalf("expected injected transport error, got %v", err)
	}
	staged := rec.Staged[0]
	if key, _ := tag.Key(0); !bytes.Equal(key, make([]byte, 16)) {
		t.Fatalf("tag master changed although the command was lost: %X", key)
	}

	rec, err = c.Provision(ctx, tag)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rec.Keys[0] != staged {
		t.Fatal("resume must apply the keys staged by the first run")
	}
	checkTagMatchesRecord(t, tag, rec)
}

func TestProvisionRecoversDroppedSlotChange(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, keystore.NewMemStore())
	tag := tagsim.New(testUID)
	tag.Inject(tagsim.Fault{Match: tagsim.MatchChangeKey(3), Kind: tagsim.FaultDropResponse})

	rec, err := c.Provision(ctx, tag)
	if phase, _ := provision.FailedPhase(err); phase != provision.PhaseChangeKey(3) {
		t.Fatalf("expected change-key-3 failure, got %v", err)
	}
	if !rec.Applied.Has(0) || !rec.Applied.Has(1) || !rec.InFlight.Has(3) {
		t.Fatalf("unexpected bookkeeping applied=%v in_flight=%v", rec.Applied.Slots(), rec.InFlight.Slots())
	}

	rec, err = c.Provision(ctx, tag)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	checkTagMatchesRecord(t, tag, rec)
	if rec.Keys[3].Version != 1 {
		t.Fatalf("slot 3 version %d", rec.Keys[3].Version)
	}
}

func TestProvisionDoesNotRetryAuthentication(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, keystore.NewMemStore())
	c.FactoryKey = bytes.Repeat([]byte{0x5A}, 16)
	tag := tagsim.New(testUID)
	tag.RateLimitAfter = 1

	rec, err := c.Provision(ctx, tag)
	if !ntag424.IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if phase, _ := provision.FailedPhase(err); phase != provision.PhaseAuthenticate {
		t.Fatalf("expected authenticate phase, got %q", phase)
	}
	if rec.Status != keystore.StatusFactory || rec.Phase != string(provision.PhaseAuthenticate) {
		t.Fatalf("unexpected record %+v", rec)
	}

	_, err = c.Provision(ctx, tag)
	if !errors.Is(err, provision.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	auths := 0
	for _, apdu := range tag.Log() {
		if strings.HasPrefix(apdu, "9071") {
			auths++
		}
	}
	if auths != 2 {
		t.Fatalf("expected one authentication per run, saw %d", auths)
	}
}

// flakyStore fails the Save call with index failAt (1-based).
type flakyStore struct {
	keystore.Store
	saves  int
	failAt int
}

func (s *flakyStore) Save(ctx context.Context, rec *keystore.Record) error {
	s.saves++
	if s.saves == s.failAt {
		return errors.New("disk full")
	}
	return s.Store.Save(ctx, rec)
}

func TestProvisionNeverChangesUnrecordedKey(t *testing.T) {
	ctx := context.Background()
	// Save 1 persists the pending record, save 2 marks slot 0 in flight.
	store := &flakyStore{Store: keystore.NewMemStore(), failAt: 2}
	c := newCoordinator(t, store)
	tag := tagsim.New(testUID)

	_, err := c.Provision(ctx, tag)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected store failure, got %v", err)
	}
	for _, apdu := range tag.Log() {
		if strings.HasPrefix(apdu, "90C4") {
			t.Fatal("ChangeKey was sent without a persisted in-flight record")
		}
	}
	if key, _ := tag.Key(0); !bytes.Equal(key, make([]byte, 16)) {
		t.Fatal("master changed")
	}
}

func TestProvisionRejectsUnfinishedReset(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemStore()
	rec := keystore.NewRecord(uidOf(testUID))
	rec.Status = keystore.StatusFailed
	rec.Operation = keystore.OpReset
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	c := newCoordinator(t, store)
	if _, err := c.Provision(ctx, tagsim.New(testUID)); !errors.Is(err, provision.ErrRunMismatch) {
		t.Fatalf("expected ErrRunMismatch, got %v", err)
	}
}

func TestProvisionParallelTags(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemStore()
	c := newCoordinator(t, store)
	tags := []*tagsim.Tag{
		tagsim.New([]byte{0x04, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01}),
		tagsim.New([]byte{0x04, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02}),
		tagsim.New([]byte{0x04, 0x03, 0x03, 0x03, 0x03, 0x03, 0x03}),
	}
	var wg sync.WaitGroup
	errs := make([]error, len(tags))
	for i, tag := range tags {
		wg.Add(1)
		go func(i int, tag *tagsim.Tag) {
			defer wg.Done()
			_, errs[i] = c.Provision(ctx, tag)
		}(i, tag)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("tag %d: %v", i, err)
		}
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != len(tags) {
		t.Fatalf("expected %d records, got %d", len(tags), len(all))
	}
	for i, tag := range tags {
		checkTagMatchesRecord(t, tag, all[i])
	}
}

func TestProvisionDiversifiedKeys(t *testing.T) {
	ctx := context.Background()
	tpl, err := ntag424.BuildSDMNDEF("https://example.com/tap", ntag424.MirrorPlain)
	if err != nil {
		t.Fatalf("BuildSDMNDEF: %v", err)
	}
	keys := provision.DiversifiedKeys{Master: bytes.Repeat([]byte{0x42}, 16), SystemID: []byte("sdmprov")}
	c, err := provision.New(keystore.NewMemStore(), keys, sdmSettings(), tpl)
	if err != nil {
		t.Fatalf("provision.New: %v", err)
	}
	tag := tagsim.New(testUID)
	rec, err := c.Provision(ctx, tag)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	for _, slot := range []byte{0, 1, 3} {
		want, err := keys.Key(uidOf(testUID), slot)
		if err != nil {
			t.Fatalf("Key: %v", err)
		}
		if rec.Keys[slot].Key != want {
			t.Fatalf("slot %d is not the diversified key", slot)
		}
	}
	if rec.Keys[0].Key == rec.Keys[1].Key {
		t.Fatal("slots must diversify to different keys")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := keystore.NewMemStore()
	c := newCoordinator(t, store)
	tag := tagsim.New(testUID)
	if _, err := c.Provision(ctx, tag); err != nil {
		t.Fatalf("Provision: %v", err)
	}

	rec, err := c.Reset(ctx, tag)
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if rec.Status != keystore.StatusFactory {
		t.Fatalf("status %s", rec.Status)
	}
	if rec.Keys != keystore.NewRecord(uidOf(testUID)).Keys {
		t.Fatalf("record keys not back to factory: %+v", rec.Keys)
	}
	checkTagMatchesRecord(t, tag, rec)
	fs := tag.FileSettings(ntag424.NDEFFileNo)
	if fs.SDMEnabled() || fs.Access().Write != ntag424.AccessFree {
		t.Fatalf("file settings not reset: %+v", fs)
	}
	if data := tag.FileData(ntag424.NDEFFileNo); data[0] != 0 || data[1] != 0 {
		t.Fatalf("NDEF message not cleared: NLEN %02X%02X", data[0], data[1])
	}

	// Factory again: the tag can be provisioned from scratch.
	if _, err := c.Provision(ctx, tag); err != nil {
		t.Fatalf("Provision after reset: %v", err)
	}
}

func TestResetRecoversDroppedSlotChange(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, keystore.NewMemStore())
	tag := tagsim.New(testUID)
	if _, err := c.Provision(ctx, tag); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	tag.Inject(tagsim.Fault{Match: tagsim.MatchChangeKey(1), Kind: tagsim.FaultDropResponse})
	if _, err := c.Reset(ctx, tag); err == nil {
		t.Fatal("expected reset failure")
	}
	rec, err := c.Reset(ctx, tag)
	if err != nil {
		t.Fatalf("resume reset: %v", err)
	}
	if rec.Status != keystore.StatusFactory {
		t.Fatalf("status %s", rec.Status)
	}
	checkTagMatchesRecord(t, tag, rec)
}

func TestResetUnknownTag(t *testing.T) {
	c := newCoordinator(t, keystore.NewMemStore())
	if _, err := c.Reset(context.Background(), tagsim.New(testUID)); !errors.Is(err, provision.ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestNewRejectsUnwritableTemplate(t *testing.T) {
	tpl, err := ntag424.BuildSDMNDEF("https://example.com/tap", ntag424.MirrorPlain)
	if err != nil {
		t.Fatalf("BuildSDMNDEF: %v", err)
	}
	cfg := sdmSettings()
	cfg.Access.Write, cfg.Access.ReadWrite = 2, 2
	if _, err := provision.New(keystore.NewMemStore(), provision.RandomKeys{}, cfg, tpl); err == nil {
		t.Fatal("expected error when key 0 cannot write the template")
	}
	cfg = sdmSettings()
	cfg.FileReadKey = ntag424.AccessFree
	if _, err := provision.New(keystore.NewMemStore(), provision.RandomKeys{}, cfg, tpl); !ntag424.IsPrecondition(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPhaseErrorText(t *testing.T) {
	err := &provision.PhaseError{UID: uidOf(testUID), Phase: provision.PhaseChangeKey(3), Err: errors.New("boom")}
	if got := err.Error(); got != "tag 04DE5F1EACC040: change-key-3: boom" {
		t.Fatalf("got %q", got)
	}
	if provision.PhaseChangeKey(0) != provision.PhaseChangeMaster {
		t.Fatal("slot 0 must map to change-key-0")
	}
}
