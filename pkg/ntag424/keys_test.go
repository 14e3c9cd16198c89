package ntag424

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildChangeKeyOwnSlot(t *testing.T) {
	newKey := bytes.Repeat([]byte{0x11}, 16)
	cmd, err := BuildChangeKey(0, newKey, 0x01, nil, 0)
	if err != nil {
		t.Fatalf("BuildChangeKey: %v", err)
	}
	if len(cmd.KeyData) != 17 {
		t.Fatalf("expected 17-byte cryptogram, got %d", len(cmd.KeyData))
	}
	if !bytes.Equal(cmd.KeyData[:16], newKey) || cmd.KeyData[16] != 0x01 {
		t.Fatalf("unexpected cryptogram %X", cmd.KeyData)
	}
	if n := len(padISO9797M2(cmd.KeyData)); n != 32 {
		t.Fatalf("padded cryptogram should be 32 bytes, got %d", n)
	}
}

func TestBuildChangeKeyOtherSlot(t *testing.T) {
	newKey := mustHex(t, "F0E1D2C3B4A5968778695A4B3C2D1E0F")
	oldKey := mustHex(t, "00112233445566778899AABBCCDDEEFF")
	cmd, err := BuildChangeKey(3, newKey, 0x02, oldKey, 0)
	if err != nil {
		t.Fatalf("BuildChangeKey: %v", err)
	}
	if len(cmd.KeyData) != 21 || cmd.Slot != 3 {
		t.Fatalf("expected 21-byte cryptogram for slot 3, got %d for slot %d", len(cmd.KeyData), cmd.Slot)
	}
	for i := 0; i < 16; i++ {
		if cmd.KeyData[i] != newKey[i]^oldKey[i] {
			t.Fatalf("byte %d is not new^old", i)
		}
	}
	if cmd.KeyData[16] != 0x02 {
		t.Fatalf("version byte = %02X", cmd.KeyData[16])
	}
	if got := binary.LittleEndian.Uint32(cmd.KeyData[17:]); got != crcBitwise(newKey) {
		t.Fatalf("CRC = %08X, want %08X", got, crcBitwise(newKey))
	}
	if n := len(padISO9797M2(cmd.KeyData)); n != 32 {
		t.Fatalf("padded cryptogram should be 32 bytes, got %d", n)
	}
}

func TestBuildChangeKeyRequiresOldKey(t *testing.T) {
	_, err := BuildChangeKey(1, make([]byte, 16), 1, nil, 0)
	if !IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if _, err := BuildChangeKey(5, make([]byte, 16), 1, make([]byte, 16), 0); !IsPrecondition(err) {
		t.Fatalf("expected precondition error for slot 5, got %v", err)
	}
	if _, err := BuildChangeKey(1, make([]byte, 15), 1, make([]byte, 16), 0); !IsPrecondition(err) {
		t.Fatalf("expected precondition error for short key, got %v", err)
	}
}

func TestDiversifyKeyAN10922(t *testing.T) {
	got, err := DiversifyKey(
		mustHex(t, "00112233445566778899AABBCCDDEEFF"),
		mustHex(t, "04782E21801D80"),
		mustHex(t, "3042F5"),
		mustHex(t, "4E585020416275"),
	)
	if err != nil {
		t.Fatalf("DiversifyKey: %v", err)
	}
	if s := fmt.Sprintf("%X", got); s != "A8DD63A3B89D54B37CA802473FDA9175" {
		t.Fatalf("expected A8DD63A3B89D54B37CA802473FDA9175, got %s", s)
	}
}

func TestDiversifyKeyInputLength(t *testing.T) {
	master := make([]byte, 16)
	if _, err := DiversifyKey(master, make([]byte, 7), nil, nil); !IsPrecondition(err) {
		t.Fatalf("expected precondition error for 7-byte input, got %v", err)
	}
	if _, err := DiversifyKey(master, make([]byte, 7), make([]byte, 3), make([]byte, 22)); !IsPrecondition(err) {
		t.Fatalf("expected precondition error for 32-byte input, got %v", err)
	}
}

func TestLoadKeyHexFileSkipsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.hex")
	content := "# slot 1\n\n00112233445566778899aabbccddeeff\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	key, err := LoadKeyHexFile(path)
	if err != nil {
		t.Fatalf("LoadKeyHexFile: %v", err)
	}
	if !bytes.Equal(key, mustHex(t, "00112233445566778899AABBCCDDEEFF")) {
		t.Fatalf("unexpected key %X", key)
	}
}

func TestParseKeyHexRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "0011", "ZZ112233445566778899AABBCCDDEEFF"} {
		if _, err := ParseKeyHex(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
