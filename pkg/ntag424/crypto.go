package ntag424

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"hash/crc32"

	"github.com/aead/cmac"
)

func aesCBCEncrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("CBC encrypt: data not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key, iv, data []byte) ([]byte, error) {
	if len(data)%16 != 0 {
		return nil, fmt.Errorf("CBC decrypt: data not block aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesECBEncrypt(key, blockIn []byte) ([]byte, error) {
	if len(blockIn) != 16 {
		return nil, fmt.Errorf("ECB input must be 16 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 16)
	block.Encrypt(out, blockIn)
	return out, nil
}

// padISO9797M2 appends 0x80 and zero bytes up to the next block boundary.
// Block-aligned input always gains a full padding block.
func padISO9797M2(data []byte) []byte {
	padLen := 16 - (len(data) % 16)
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpadISO9797M2(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%16 != 0 {
		return nil, &IntegrityError{Reason: "bad padding: length not block aligned"}
	}
	idx := len(data) - 1
	for idx >= 0 && data[idx] == 0x00 {
		idx--
	}
	if idx < 0 || data[idx] != 0x80 || len(data)-idx > 16 {
		return nil, &IntegrityError{Reason: "bad padding"}
	}
	return data[:idx], nil
}

func rotateLeft1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

func rotateRight1(in []byte) []byte {
	out := make([]byte, len(in))
	if len(in) == 0 {
		return out
	}
	out[0] = in[len(in)-1]
	copy(out[1:], in[:len(in)-1])
	return out
}

// aesCMAC computes the full 16-byte AES-CMAC (NIST SP 800-38B).
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	h, err := cmac.NewWithTagSize(block, block.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("create CMAC: %w", err)
	}
	if _, err := h.Write(msg); err != nil {
		return nil, fmt.Errorf("update CMAC: %w", err)
	}
	return h.Sum(nil), nil
}

// truncateMAC keeps the bytes at odd indices 1,3,...,15 of a full CMAC.
// This is the NTAG 424 truncation, not the SP 800-38B prefix truncation.
func truncateMAC(full []byte) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = full[1+i*2]
	}
	return out
}

// macTruncated computes CMAC(key, msg) and truncates it to 8 bytes.
func macTruncated(key, msg []byte) ([]byte, error) {
	full, err := aesCMAC(key, msg)
	if err != nil {
		return nil, err
	}
	return truncateMAC(full), nil
}

// CRC32Inverted is the IEEE 802.3 CRC-32 of data without the final
// complement, i.e. the bitwise NOT of the standard checksum. ChangeKey
// carries it little-endian after the key version.
func CRC32Inverted(data []byte) uint32 {
	return ^crc32.ChecksumIEEE(data)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func putU24le(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

// readU24le reads a 3-byte little-endian uint32 at the given offset.
func readU24le(data []byte, offset int) uint32 {
	return uint32(data[offset]) | uint32(data[offset+1])<<8 | uint32(data[offset+2])<<16
}

// u24le converts a uint32 to a 3-byte little-endian slice.
func u24le(v uint32) []byte {
	b := make([]byte, 3)
	putU24le(b, v)
	return b
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
