package ntag424

import (
	"fmt"
	"log/slog"
)

// ReadBinary reads data from the currently selected file using ISO 7816 READ BINARY (INS 0xB0).
// Automatically retries with correct Le if the tag returns SW=6C00 (wrong Le).
//
// Note: READ BINARY CANNOT use DESFire secure messaging. If the file requires
// authentication (Read != free), use Session.ReadData instead.
func ReadBinary(card Card, offset uint16, le byte) ([]byte, error) {
	apdu := []byte{0x00, 0xB0, byte(offset >> 8), byte(offset), le}
	data, sw, err := Transmit(card, apdu)
	if err != nil {
		return nil, &TransportError{Cmd: 0xB0, Cause: err}
	}

	if (sw & 0xFF00) == SWWrongLe {
		correctLe := byte(sw & 0x00FF)
		slog.Warn("wrong Le, retrying", "original_le", apdu[4], "correct_le", correctLe)
		apdu[4] = correctLe
		data, sw, err = Transmit(card, apdu)
		if err != nil {
			return nil, &TransportError{Cmd: 0xB0, Cause: err}
		}
	}

	if !SwOK(sw) {
		return nil, &SWError{Cmd: 0xB0, SW: sw}
	}
	return data, nil
}

// ReadNDEF reads the complete NDEF message using ISO READ BINARY:
// select the NDEF application, look up the NDEF file ID in the CC file,
// read NLEN and then the message in 255-byte chunks. On an SDM-enabled
// file every call is a tap: the tag mirrors fresh values and bumps its
// read counter.
func ReadNDEF(card Card) ([]byte, error) {
	if err := SelectNDEFApp(card); err != nil {
		return nil, err
	}

	if err := SelectFile(card, ccFileID); err != nil {
		return nil, err
	}
	cc, err := ReadBinary(card, 0x0000, 0x0F)
	if err != nil {
		return nil, err
	}
	if len(cc) < 15 {
		return nil, fmt.Errorf("CC file too short")
	}

	fileID := uint16(ndefFileID)
	if cc[7] == 0x04 && cc[8] >= 6 {
		fileID = uint16(cc[9])<<8 | uint16(cc[10])
	}
	if err := SelectFile(card, fileID); err != nil {
		return nil, err
	}

	nlenBytes, err := ReadBinary(card, 0x0000, 0x02)
	if err != nil {
		return nil, err
	}
	if len(nlenBytes) < 2 {
		return nil, fmt.Errorf("NLEN read too short")
	}
	nlen := int(nlenBytes[0])<<8 | int(nlenBytes[1])
	if nlen == 0 {
		return []byte{}, nil
	}

	ndef := make([]byte, 0, nlen)
	offset := 2
	remaining := nlen
	for remaining > 0 {
		chunk := min(remaining, 0xFF)
		part, err := ReadBinary(card, uint16(offset), byte(chunk))
		if err != nil {
			return nil, err
		}
		if len(part) == 0 {
			break
		}
		ndef = append(ndef, part...)
		offset += len(part)
		remaining -= len(part)
	}
	return ndef, nil
}

// ReadNDEFURL reads the NDEF message and decodes its URI record.
func ReadNDEFURL(card Card) (string, error) {
	msg, err := ReadNDEF(card)
	if err != nil {
		return "", err
	}
	return DecodeURIRecord(msg)
}

// ReadData reads length bytes at offset of fileNo over the session.
func (s *Session) ReadData(fileNo byte, offset, length uint32, comm CommMode) ([]byte, error) {
	out, err := s.Exec(ReadDataCmd{FileNo: fileNo, Offset: offset, Length: length, Comm: comm})
	if err != nil {
		return nil, fmt.Errorf("read data file %d: %w", fileNo, err)
	}
	return out, nil
}
