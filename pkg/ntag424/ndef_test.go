package ntag424

import (
	"bytes"
	"strings"
	"testing"
)

func TestBuildSDMNDEFPlainOffsets(t *testing.T) {
	tpl, err := BuildSDMNDEF("https://example.com/tap?campaign=spring", MirrorPlain)
	if err != nil {
		t.Fatalf("BuildSDMNDEF: %v", err)
	}
	if !strings.Contains(tpl.URL, "?uid=00000000000000&ctr=000000&mac=0000000000000000&campaign=spring") {
		t.Fatalf("unexpected template URL %s", tpl.URL)
	}
	if !bytes.HasPrefix(tpl.NDEF[tpl.MacInputOffset:], []byte("uid=")) {
		t.Fatalf("MAC input offset does not point at uid=")
	}
	if tpl.UIDOffset != tpl.MacInputOffset+4 {
		t.Fatalf("UID offset %d, MAC input %d", tpl.UIDOffset, tpl.MacInputOffset)
	}
	if string(tpl.NDEF[tpl.MacOffset-4:tpl.MacOffset]) != "mac=" {
		t.Fatalf("MAC offset does not follow mac=")
	}
	nlen := int(tpl.NDEF[0])<<8 | int(tpl.NDEF[1])
	if nlen != len(tpl.NDEF)-2 {
		t.Fatalf("NLEN %d, message %d", nlen, len(tpl.NDEF)-2)
	}
	if tpl.NDEF[6] != 0x04 {
		t.Fatalf("expected https:// prefix code, got %02X", tpl.NDEF[6])
	}
}

func TestBuildSDMNDEFIgnoresNamesInPath(t *testing.T) {
	for _, mode := range []MirrorMode{MirrorPlain, MirrorEncrypted} {
		tpl, err := BuildSDMNDEF("https://x.com/imac=1/uid=2/picc=3/", mode)
		if err != nil {
			t.Fatalf("%s: BuildSDMNDEF: %v", mode, err)
		}
		if tpl.NDEF[tpl.MacInputOffset-1] != '?' {
			t.Fatalf("%s: MAC input offset %d is not at the query start", mode, tpl.MacInputOffset)
		}
		if string(tpl.NDEF[tpl.MacOffset-5:tpl.MacOffset]) != "&mac=" {
			t.Fatalf("%s: MAC offset %d is not in the query", mode, tpl.MacOffset)
		}
	}

	key := bytes.Repeat([]byte{0x11}, 16)
	u, err := GenerateSDMURL("https://x.com/imac=1/", []byte{0x04, 0xDE, 0x5F, 0x1E, 0xAC, 0xC0, 0x40}, 9, key)
	if err != nil {
		t.Fatalf("GenerateSDMURL: %v", err)
	}
	if !strings.HasPrefix(u, "https://x.com/imac=1/?uid=04DE5F1EACC040&ctr=000009&mac=") {
		t.Fatalf("unexpected URL %s", u)
	}
	if _, err := VerifySDMMAC(u, key); err != nil {
		t.Fatalf("VerifySDMMAC: %v", err)
	}
}

func TestBuildSDMNDEFRejectsRelativeURL(t *testing.T) {
	if _, err := BuildSDMNDEF("example.com/tap", MirrorPlain); err == nil {
		t.Fatal("expected error for relative URL")
	}
}

func TestDecodeURIRecordRoundTrip(t *testing.T) {
	ndef, err := encodeURIRecord("https://www.example.org/x?y=1")
	if err != nil {
		t.Fatalf("encodeURIRecord: %v", err)
	}
	got, err := DecodeURIRecord(ndef[2:])
	if err != nil {
		t.Fatalf("DecodeURIRecord: %v", err)
	}
	if got != "https://www.example.org/x?y=1" {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateVerifyPlainURL(t *testing.T) {
	key := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	uid := mustHex(t, "04DE5F1EACC040")
	u, err := GenerateSDMURL("https://example.com/tap", uid, 61, key)
	if err != nil {
		t.Fatalf("GenerateSDMURL: %v", err)
	}
	if !strings.Contains(u, "uid=04DE5F1EACC040&ctr=00003D&mac=") {
		t.Fatalf("unexpected URL %s", u)
	}
	tap, err := VerifySDMMAC(u, key)
	if err != nil {
		t.Fatalf("VerifySDMMAC: %v", err)
	}
	if tap.Counter != 61 || !bytes.Equal(tap.UID, uid) {
		t.Fatalf("unexpected tap %+v", tap)
	}

	wrong := append([]byte(nil), key...)
	wrong[0] ^= 0x01
	if _, err := VerifySDMMAC(u, wrong); !IsIntegrityError(err) {
		t.Fatalf("expected integrity error with wrong key, got %v", err)
	}
	tampered := strings.Replace(u, "ctr=00003D", "ctr=00003E", 1)
	if _, err := VerifySDMMAC(tampered, key); !IsIntegrityError(err) {
		t.Fatalf("expected integrity error for tampered counter, got %v", err)
	}
}

func TestGenerateVerifyEncryptedURL(t *testing.T) {
	meta := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	file := mustHex(t, "FFEEDDCCBBAA99887766554433221100")
	uid := mustHex(t, "04DE5F1EACC040")
	u, err := GenerateSDMURLEncrypted("https://example.com/tap", uid, 7, meta, file, bytes.Repeat([]byte{0xA5}, 16))
	if err != nil {
		t.Fatalf("GenerateSDMURLEncrypted: %v", err)
	}
	if strings.Contains(u, "uid=") {
		t.Fatalf("enciphered mirror must not expose uid: %s", u)
	}
	tap, err := VerifySDMMACEncrypted(u, meta, file)
	if err != nil {
		t.Fatalf("VerifySDMMACEncrypted: %v", err)
	}
	if tap.Counter != 7 || !bytes.Equal(tap.UID, uid) {
		t.Fatalf("unexpected tap %+v", tap)
	}
	if _, err := VerifySDMMAC(u, file); err == nil {
		t.Fatal("plain verifier must refuse an enciphered URL")
	}
}

func TestParseSDMURLRequiresMACAfterMirror(t *testing.T) {
	if _, err := ParseSDMURL("https://example.com/?mac=00&uid=04DE5F1EACC040&ctr=000001"); err == nil {
		t.Fatal("expected error when mac precedes uid")
	}
	if _, err := ParseSDMURL("https://example.com/?uid=04DE5F1EACC040&ctr=000001"); err == nil {
		t.Fatal("expected error without mac")
	}
}

func TestParseMirrorMode(t *testing.T) {
	if m, err := ParseMirrorMode("Encrypted"); err != nil || m != MirrorEncrypted {
		t.Fatalf("got %v %v", m, err)
	}
	if _, err := ParseMirrorMode("sun"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
