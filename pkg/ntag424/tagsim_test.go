package ntag424_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/barnettlynn/sdmprov/pkg/ntag424"
	"github.com/barnettlynn/sdmprov/pkg/ntag424/tagsim"
)

var (
	testUID   = []byte{0x04, 0xDE, 0x5F, 0x1E, 0xAC, 0xC0, 0x40}
	zeroKey   = make([]byte, 16)
	keyOne    = bytes.Repeat([]byte{0x11}, 16)
	keyTwo    = bytes.Repeat([]byte{0x22}, 16)
	newMaster = bytes.Repeat([]byte{0x5A}, 16)
)

func authFactory(t *testing.T, tag *tagsim.Tag) *ntag424.Session {
	t.Helper()
	s, err := ntag424.AuthenticateEV2First(tag, zeroKey, 0)
	if err != nil {
		t.Fatalf("AuthenticateEV2First: %v", err)
	}
	return s
}

func TestSimulatedSessionCommands(t *testing.T) {
	tag := tagsim.New(testUID)
	s := authFactory(t, tag)

	fs, err := s.GetFileSettings(ntag424.NDEFFileNo)
	if err != nil {
		t.Fatalf("GetFileSettings: %v", err)
	}
	if fs.Size != ntag424.NDEFFileSize || fs.Access().Read != ntag424.AccessFree {
		t.Fatalf("unexpected factory settings %+v", fs)
	}
	if s.CmdCtr() != 1 {
		t.Fatalf("counter = %d after one command", s.CmdCtr())
	}

	payload := bytes.Repeat([]byte{0xC3}, 40)
	if err := s.WriteData(3, 8, payload, ntag424.CommFull); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	got, err := s.ReadData(3, 8, uint32(len(payload)), ntag424.CommFull)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %X", got)
	}
	if s.CmdCtr() != 3 {
		t.Fatalf("counter = %d, want 3", s.CmdCtr())
	}
}

func TestSimulatedChangeKeyOtherSlot(t *testing.T) {
	tag := tagsim.New(testUID)
	s := authFactory(t, tag)

	if err := s.ChangeKey(1, keyOne, 0x01, zeroKey); err != nil {
		t.Fatalf("ChangeKey: %v", err)
	}
	key, ver := tag.Key(1)
	if !bytes.Equal(key, keyOne) || ver != 0x01 {
		t.Fatalf("slot 1 = %X v%d", key, ver)
	}
	if s.Err() != nil {
		t.Fatalf("session should stay live: %v", s.Err())
	}
}

func TestSimulatedGetKeyVersion(t *testing.T) {
	tag := tagsim.New(testUID)
	s := authFactory(t, tag)
	if err := s.ChangeKey(3, keyOne, 0x07, zeroKey); err != nil {
		t.Fatalf("ChangeKey: %v", err)
	}
	v, err := s.GetKeyVersion(3)
	if err != nil {
		t.Fatalf("GetKeyVersion: %v", err)
	}
	if v != 0x07 {
		t.Fatalf("version = %02X, want 07", v)
	}
	if v, _ := s.GetKeyVersion(2); v != 0x00 {
		t.Fatalf("untouched slot version = %02X", v)
	}
	if s.CmdCtr() != 3 {
		t.Fatalf("counter = %d, want 3", s.CmdCtr())
	}
	if _, err := s.GetKeyVersion(5); !ntag424.IsPrecondition(err) {
		t.Fatalf("expected precondition error for slot 5, got %v", err)
	}
}

func TestSimulatedChangeKeyWrongOldKeyPoisons(t *testing.T) {
	tag := tagsim.New(testUID)
	s := authFactory(t, tag)

	err := s.ChangeKey(1, keyOne, 0x01, keyTwo)
	if !ntag424.IsIntegrityError(err) {
		t.Fatalf("expected integrity error from CRC check, got %v", err)
	}
	if !errors.Is(s.Err(), ntag424.ErrSessionPoisoned) {
		t.Fatalf("expected poisoned session, got %v", s.Err())
	}
	key, _ := tag.Key(1)
	if !bytes.Equal(key, zeroKey) {
		t.Fatal("rejected cryptogram must not change the key")
	}
}

func TestSimulatedChangeOwnKeyConsumesSession(t *testing.T) {
	tag := tagsim.New(testUID)
	s := authFactory(t, tag)

	if err := s.ChangeKey(0, newMaster, 0x01, nil); err != nil {
		t.Fatalf("ChangeKey: %v", err)
	}
	if !errors.Is(s.Err(), ntag424.ErrSessionConsumed) {
		t.Fatalf("expected consumed session, got %v", s.Err())
	}
	if tag.Authenticated() {
		t.Fatal("tag must drop its session after an own-key change")
	}
	if _, err := s.GetFileSettings(2); !errors.Is(err, ntag424.ErrSessionConsumed) {
		t.Fatalf("expected ErrSessionConsumed, got %v", err)
	}
	if _, err := ntag424.AuthenticateEV2First(tag, newMaster, 0); err != nil {
		t.Fatalf("authenticate with new master: %v", err)
	}
}

func TestSimulatedNonFirstKeepsTransaction(t *testing.T) {
	tag := tagsim.New(testUID)
	s := authFactory(t, tag)
	if err := s.ChangeKey(2, keyTwo, 0x01, zeroKey); err != nil {
		t.Fatalf("ChangeKey: %v", err)
	}
	ti, ctr := s.TI(), s.CmdCtr()

	s2, err := ntag424.AuthenticateEV2NonFirst(s, keyTwo, 2)
	if err != nil {
		t.Fatalf("AuthenticateEV2NonFirst: %v", err)
	}
	if s2.TI() != ti || s2.CmdCtr() != ctr {
		t.Fatalf("non-first session should keep TI and counter")
	}
	if !errors.Is(s.Err(), ntag424.ErrSessionConsumed) {
		t.Fatalf("previous session should be consumed, got %v", s.Err())
	}
	if _, err := s2.GetFileSettings(2); err != nil {
		t.Fatalf("GetFileSettings on non-first session: %v", err)
	}
}

func TestSimulatedCorruptResponsePoisons(t *testing.T) {
	tag := tagsim.New(testUID)
	s := authFactory(t, tag)
	tag.Inject(tagsim.Fault{Match: tagsim.MatchINS(0xF5), Kind: tagsim.FaultCorruptResponse})

	_, err := s.GetFileSettings(2)
	if !ntag424.IsIntegrityError(err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	sent := len(tag.Log())
	if _, err := s.GetFileSettings(2); !errors.Is(err, ntag424.ErrSessionPoisoned) {
		t.Fatalf("expected ErrSessionPoisoned, got %v", err)
	}
	if len(tag.Log()) != sent {
		t.Fatal("poisoned session must not reach the tag")
	}
}

func TestSimulatedTransportFailurePoisons(t *testing.T) {
	tag := tagsim.New(testUID)
	s := authFactory(t, tag)
	tag.Inject(tagsim.Fault{Match: tagsim.MatchINS(0xAD), Kind: tagsim.FaultTransport})

	_, err := s.ReadData(3, 0, 16, ntag424.CommFull)
	var te *ntag424.TransportError
	if !errors.As(err, &te) || !errors.Is(err, tagsim.ErrInjected) {
		t.Fatalf("expected TransportError wrapping the injected failure, got %v", err)
	}
	if !errors.Is(s.Err(), ntag424.ErrSessionPoisoned) {
		t.Fatalf("expected poisoned session, got %v", s.Err())
	}
}

func TestSimulatedRateLimit(t *testing.T) {
	tag := tagsim.New(testUID)
	tag.RateLimitAfter = 2
	for i := 0; i < 2; i++ {
		_, err := ntag424.AuthenticateEV2First(tag, keyOne, 0)
		if !ntag424.IsAuthError(err) {
			t.Fatalf("attempt %d: expected auth error, got %v", i, err)
		}
	}
	_, err := ntag424.AuthenticateEV2First(tag, zeroKey, 0)
	if !ntag424.IsRateLimited(err) || !errors.Is(err, ntag424.ErrRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	tag.ClearAuthDelay()
	authFactory(t, tag)
}

func TestSimulatedGetVersion(t *testing.T) {
	tag := tagsim.New(testUID)
	v, err := ntag424.GetVersion(tag)
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if !bytes.Equal(v.UID, testUID) || v.HWType != 0x04 {
		t.Fatalf("unexpected version %+v", v)
	}
}

func sdmSetup(t *testing.T, tag *tagsim.Tag, mode ntag424.MirrorMode) {
	t.Helper()
	tpl, err := ntag424.BuildSDMNDEF("https://example.com/tap", mode)
	if err != nil {
		t.Fatalf("BuildSDMNDEF: %v", err)
	}
	cfg := ntag424.SDMConfig{
		FileNo:          ntag424.NDEFFileNo,
		FileSize:        ntag424.NDEFFileSize,
		CommMode:        ntag424.CommPlain,
		Access:          ntag424.AccessRights{Read: ntag424.AccessFree, Write: 0, ReadWrite: 0, Change: 0},
		Enabled:         true,
		MirrorUID:       true,
		MirrorCounter:   true,
		MetaReadKey:     ntag424.AccessFree,
		FileReadKey:     1,
		CtrRetrievalKey: 0,
	}
	if mode == ntag424.MirrorEncrypted {
		cfg.MetaReadKey = 2
	}
	tpl.Apply(&cfg)

	s := authFactory(t, tag)
	if err := s.ChangeKey(1, keyOne, 1, zeroKey); err != nil {
		t.Fatalf("ChangeKey 1: %v", err)
	}
	if err := s.ChangeKey(2, keyTwo, 1, zeroKey); err != nil {
		t.Fatalf("ChangeKey 2: %v", err)
	}
	if err := s.ChangeFileSettings(&cfg); err != nil {
		t.Fatalf("ChangeFileSettings: %v", err)
	}
	w := &ntag424.NDEFWriter{Session: s, FileNo: ntag424.NDEFFileNo, Comm: cfg.CommMode}
	if err := w.Write(tpl.NDEF); err != nil {
		t.Fatalf("NDEF write: %v", err)
	}
	back, err := s.GetFileSettings(ntag424.NDEFFileNo)
	if err != nil {
		t.Fatalf("GetFileSettings: %v", err)
	}
	if back.SDMConfig(ntag424.NDEFFileNo) != cfg {
		t.Fatalf("tag settings differ from what was sent")
	}
}

func TestSimulatedPlainSDMTap(t *testing.T) {
	tag := tagsim.New(testUID)
	sdmSetup(t, tag, ntag424.MirrorPlain)

	for want := uint32(1); want <= 2; want++ {
		u, err := ntag424.ReadNDEFURL(tag)
		if err != nil {
			t.Fatalf("ReadNDEFURL: %v", err)
		}
		tap, err := ntag424.VerifySDMMAC(u, keyOne)
		if err != nil {
			t.Fatalf("VerifySDMMAC(%s): %v", u, err)
		}
		if !bytes.Equal(tap.UID, testUID) || tap.Counter != want {
			t.Fatalf("tap %d: %+v", want, tap)
		}
	}

	s := authFactory(t, tag)
	ctr, err := s.GetFileCounters(ntag424.NDEFFileNo)
	if err != nil {
		t.Fatalf("GetFileCounters: %v", err)
	}
	if ctr != 2 {
		t.Fatalf("counter = %d, want 2", ctr)
	}
}

func TestSimulatedEncryptedSDMTap(t *testing.T) {
	tag := tagsim.New(testUID)
	sdmSetup(t, tag, ntag424.MirrorEncrypted)

	u, err := ntag424.ReadNDEFURL(tag)
	if err != nil {
		t.Fatalf("ReadNDEFURL: %v", err)
	}
	tap, err := ntag424.VerifySDMMACEncrypted(u, keyTwo, keyOne)
	if err != nil {
		t.Fatalf("VerifySDMMACEncrypted(%s): %v", u, err)
	}
	if !bytes.Equal(tap.UID, testUID) || tap.Counter != 1 {
		t.Fatalf("unexpected tap %+v", tap)
	}
}

func TestSimulatedNDEFWriteDeniedWithoutAuth(t *testing.T) {
	tag := tagsim.New(testUID)
	sdmSetup(t, tag, ntag424.MirrorPlain)
	err := ntag424.WriteNDEFPlain(tag, []byte{0x00, 0x00})
	var swErr *ntag424.SWError
	if !errors.As(err, &swErr) || swErr.SW != ntag424.SWSecurityNotSatisfied {
		t.Fatalf("expected SW 6982, got %v", err)
	}
}

func TestPlainFileSettingsOnFactoryTag(t *testing.T) {
	tag := tagsim.New(testUID)
	fs, err := ntag424.GetFileSettingsPlain(tag, ntag424.NDEFFileNo)
	if err != nil {
		t.Fatalf("GetFileSettingsPlain: %v", err)
	}
	if fs.SDMEnabled() || fs.Access().Write != ntag424.AccessFree {
		t.Fatalf("unexpected factory settings %+v", fs)
	}
}
