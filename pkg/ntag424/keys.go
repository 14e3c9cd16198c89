package ntag424

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// KeySlot is one of the five application keys. Slot 0 is the master key.
type KeySlot struct {
	Index   byte
	Key     [16]byte
	Version byte
}

// BuildChangeKey builds the ChangeKey cryptogram for slot.
//
// When slot is the key the session authenticated with (slot 0 in every
// flow here) the plaintext is newKey || version (17 bytes) and oldKey is
// ignored. For any other slot it is (newKey ^ oldKey) || version ||
// CRC32Inverted(newKey) LE (21 bytes), and oldKey is required. Both pad
// to 32 bytes under ISO 9797-1 method 2.
func BuildChangeKey(slot byte, newKey []byte, newVersion byte, oldKey []byte, authKeyNo byte) (ChangeKeyCmd, error) {
	if slot > 4 {
		return ChangeKeyCmd{}, preconditionf("slot", "key slot %d out of range 0..4", slot)
	}
	if len(newKey) != 16 {
		return ChangeKeyCmd{}, preconditionf("new key", "must be 16 bytes, got %d", len(newKey))
	}
	if slot == authKeyNo {
		data := make([]byte, 17)
		copy(data, newKey)
		data[16] = newVersion
		return ChangeKeyCmd{Slot: slot, KeyData: data}, nil
	}
	if oldKey == nil {
		return ChangeKeyCmd{}, preconditionf("old key", "slot %d needs the current key value for the XOR cryptogram", slot)
	}
	if len(oldKey) != 16 {
		return ChangeKeyCmd{}, preconditionf("old key", "must be 16 bytes, got %d", len(oldKey))
	}
	data := make([]byte, 21)
	copy(data, xorBytes(newKey, oldKey))
	data[16] = newVersion
	crc := CRC32Inverted(newKey)
	data[17] = byte(crc)
	data[18] = byte(crc >> 8)
	data[19] = byte(crc >> 16)
	data[20] = byte(crc >> 24)
	return ChangeKeyCmd{Slot: slot, KeyData: data}, nil
}

// ChangeKey changes a key slot using ChangeKey (INS 0xC4).
//
// Changing the key the session authenticated with ends the session: the
// tag answers with a bare status word and drops its session state, so the
// Session is marked consumed and every later call returns
// ErrSessionConsumed.
func (s *Session) ChangeKey(slot byte, newKey []byte, newVersion byte, oldKey []byte) error {
	cmd, err := BuildChangeKey(slot, newKey, newVersion, oldKey, s.keyNo)
	if err != nil {
		return err
	}
	f, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	own := slot == s.keyNo
	if _, err := s.roundTripLocked(f, !own); err != nil {
		return fmt.Errorf("change key %d: %w", slot, err)
	}
	slog.Debug("key changed", "slot", slot, "version", newVersion, "session_ended", own)
	if own {
		s.endLocked(sessionConsumed, nil)
	}
	return nil
}

// GetKeyVersion reads the version byte of slot in MAC mode.
func (s *Session) GetKeyVersion(slot byte) (byte, error) {
	out, err := s.Exec(GetKeyVersionCmd{KeyNo: slot})
	if err != nil {
		return 0, fmt.Errorf("get key version %d: %w", slot, err)
	}
	if len(out) != 1 {
		return 0, &IntegrityError{Reason: fmt.Sprintf("key version response is %d bytes", len(out))}
	}
	return out[0], nil
}

// LoadKeyHexFile loads a 16-byte AES key from a .hex file.
// The file should contain a single line with 32 hexadecimal characters.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return ParseKeyHex(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}

// ParseKeyHex decodes a 32-character hex AES key.
func ParseKeyHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != 32 {
		return nil, fmt.Errorf("key must be 32 hex chars, got %d", len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}

// DiversifyKey derives a card key from master with AES-128 CMAC as in
// NXP AN10922: CMAC(master, 0x01 || uid || aid || systemID). The
// diversification input after the 0x01 constant must be 16 to 31 bytes.
func DiversifyKey(master, uid, aid, systemID []byte) ([]byte, error) {
	if len(master) != 16 {
		return nil, preconditionf("master", "must be 16 bytes, got %d", len(master))
	}
	n := len(uid) + len(aid) + len(systemID)
	if n < 16 || n > 31 {
		return nil, preconditionf("diversification input", "must be 16..31 bytes, got %d", n)
	}
	m := make([]byte, 0, 1+n)
	m = append(m, 0x01)
	m = append(m, uid...)
	m = append(m, aid...)
	m = append(m, systemID...)
	return aesCMAC(master, m)
}
