package ntag424

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestAESCMACRFC4493(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	cases := []struct {
		msg  string
		want string
	}{
		{"", "bb1d6929e95937287fa37d129b756746"},
		{"6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
	}
	for _, tc := range cases {
		got, err := aesCMAC(key, mustHex(t, tc.msg))
		if err != nil {
			t.Fatalf("aesCMAC: %v", err)
		}
		if hex.EncodeToString(got) != tc.want {
			t.Fatalf("CMAC(%q) = %x, want %s", tc.msg, got, tc.want)
		}
	}
}

func TestMACTruncatedKeepsOddBytes(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")
	got, err := macTruncated(key, mustHex(t, "6bc1bee22e409f96e93d7e117393172a"))
	if err != nil {
		t.Fatalf("macTruncated: %v", err)
	}
	if hex.EncodeToString(got) != "0ab44d449b9d4a7c" {
		t.Fatalf("expected 0ab44d449b9d4a7c, got %x", got)
	}
}

func TestMACTruncatedAN12196(t *testing.T) {
	// ChangeFileSettings MAC input: Cmd || CmdCtr || TI || FileNo || E(settings)
	msg := mustHex(t, "5f01009d00c4df0261b6d97903566e84c3ae5274467e89ea")
	full, err := aesCMAC(mustHex(t, vecKmac), msg)
	if err != nil {
		t.Fatalf("aesCMAC: %v", err)
	}
	if hex.EncodeToString(full) != "7bd75f991cb7a2c18da09eef047a8d04" {
		t.Fatalf("unexpected CMAC %x", full)
	}
	if got := hex.EncodeToString(truncateMAC(full)); got != "d799b7c1a0ef7a04" {
		t.Fatalf("expected d799b7c1a0ef7a04, got %s", got)
	}
}

// crcBitwise is the reflected CRC-32 computed a bit at a time without the
// final complement, as tag documentation describes it.
func crcBitwise(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func TestCRC32Inverted(t *testing.T) {
	if got := CRC32Inverted([]byte("123456789")); got != 0x340BC6D9 {
		t.Fatalf("expected 340BC6D9, got %08X", got)
	}
	inputs := [][]byte{
		{},
		bytes.Repeat([]byte{0x00}, 16),
		mustHex(t, "00112233445566778899AABBCCDDEEFF"),
		mustHex(t, "F0E1D2C3B4A5968778695A4B3C2D1E0F"),
	}
	for _, in := range inputs {
		if got, want := CRC32Inverted(in), crcBitwise(in); got != want {
			t.Fatalf("CRC32Inverted(%x) = %08X, bitwise = %08X", in, got, want)
		}
	}
}

func TestPadUnpadISO9797M2(t *testing.T) {
	for _, n := range []int{0, 1, 15, 16, 17, 21, 31} {
		in := bytes.Repeat([]byte{0xAB}, n)
		padded := padISO9797M2(in)
		if len(padded)%16 != 0 || len(padded) <= n {
			t.Fatalf("pad(%d) gave %d bytes", n, len(padded))
		}
		out, err := unpadISO9797M2(padded)
		if err != nil {
			t.Fatalf("unpad(%d): %v", n, err)
		}
		if !bytes.Equal(out, in) {
			t.Fatalf("round trip of %d bytes mismatched", n)
		}
	}
	if got := len(padISO9797M2(make([]byte, 16))); got != 32 {
		t.Fatalf("block-aligned input should gain a full block, got %d", got)
	}
}

func TestUnpadRejectsMissingMarker(t *testing.T) {
	_, err := unpadISO9797M2(make([]byte, 16))
	if !IsIntegrityError(err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	bad := make([]byte, 32)
	bad[0] = 0x80
	if _, err := unpadISO9797M2(bad); !IsIntegrityError(err) {
		t.Fatalf("expected integrity error for padding longer than a block, got %v", err)
	}
}

func TestRotateRoundTrip(t *testing.T) {
	in := mustHex(t, "000102030405060708090A0B0C0D0E0F")
	l := rotateLeft1(in)
	if l[0] != 0x01 || l[15] != 0x00 {
		t.Fatalf("rotateLeft1 gave %x", l)
	}
	if !bytes.Equal(rotateRight1(l), in) {
		t.Fatalf("rotateRight1(rotateLeft1(x)) != x")
	}
}
