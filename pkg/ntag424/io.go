package ntag424

import (
	"fmt"
)

const (
	// NDEFFileNo is the native file number of the NDEF file.
	NDEFFileNo = 0x02
	// NDEFFileSize is the NDEF file size on NTAG 424 DNA.
	NDEFFileSize = 256

	ccFileID   = 0xE103
	ndefFileID = 0xE104
)

var ndefAppAID = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

// FileSize returns the size of standard file fileNo of the NDEF
// application (CC file 32, NDEF file 256, proprietary file 128), or 0 for
// any other file number.
func FileSize(fileNo byte) uint32 {
	switch fileNo {
	case 1:
		return 32
	case NDEFFileNo:
		return NDEFFileSize
	case 3:
		return 128
	}
	return 0
}

// NDEFAppAID returns the AID of the NDEF application.
func NDEFAppAID() []byte { return append([]byte(nil), ndefAppAID...) }

// SelectNDEFApp selects the NFC Forum NDEF application (AID D2760000850101).
//
// CRITICAL: This INVALIDATES any active authentication session.
// Always select BEFORE authenticating, or re-authenticate after selecting.
func SelectNDEFApp(card Card) error {
	apdu := append([]byte{0x00, 0xA4, 0x04, 0x00, byte(len(ndefAppAID))}, ndefAppAID...)
	apdu = append(apdu, 0x00)
	_, sw, err := Transmit(card, apdu)
	if err != nil {
		return &TransportError{Cmd: 0xA4, Cause: err}
	}
	if !SwOK(sw) {
		return &SWError{Cmd: 0xA4, SW: sw}
	}
	return nil
}

// SelectFile selects a file by its 16-bit ID using ISO 7816 SELECT FILE.
//
// Common file IDs:
//   - 0xE103: CC (Capability Container)
//   - 0xE104: NDEF file
//   - 0xE105: Proprietary data file
//
// CRITICAL: This INVALIDATES any active authentication session.
func SelectFile(card Card, fileID uint16) error {
	apdu := []byte{0x00, 0xA4, 0x00, 0x0C, 0x02, byte(fileID >> 8), byte(fileID)}
	_, sw, err := Transmit(card, apdu)
	if err != nil {
		return &TransportError{Cmd: 0xA4, Cause: err}
	}
	if !SwOK(sw) {
		return &SWError{Cmd: 0xA4, SW: sw}
	}
	return nil
}

// WriteNDEFPlain writes NDEF data without authentication using ISO UPDATE
// BINARY. Only works while the NDEF file's write access is free.
func WriteNDEFPlain(card Card, data []byte) error {
	if err := SelectNDEFApp(card); err != nil {
		return err
	}
	if err := SelectFile(card, ndefFileID); err != nil {
		return err
	}
	offset := 0
	for offset < len(data) {
		chunk := min(len(data)-offset, 0xFF)
		apdu := make([]byte, 0, 5+chunk)
		apdu = append(apdu, 0x00, 0xD6, byte(offset>>8), byte(offset), byte(chunk))
		apdu = append(apdu, data[offset:offset+chunk]...)

		_, sw, err := Transmit(card, apdu)
		if err != nil {
			return &TransportError{Cmd: 0xD6, Cause: err}
		}
		if !SwOK(sw) {
			return &SWError{Cmd: 0xD6, SW: sw}
		}
		offset += chunk
	}
	return nil
}

// writeChunk keeps a Full-mode WriteData frame under the 255-byte limit:
// 7 header + 8 MAC + padded data.
const writeChunk = 128

// WriteData writes data at offset in fileNo over the session, in chunks,
// using the file's communication mode.
func (s *Session) WriteData(fileNo byte, offset uint32, data []byte, comm CommMode) error {
	for written := 0; written < len(data); {
		n := min(len(data)-written, writeChunk)
		cmd := WriteDataCmd{FileNo: fileNo, Offset: offset + uint32(written), Data: data[written : written+n], Comm: comm}
		if _, err := s.Exec(cmd); err != nil {
			return fmt.Errorf("write data file %d offset %d: %w", fileNo, cmd.Offset, err)
		}
		written += n
	}
	return nil
}

// NDEFWriter writes an NDEF file image (NLEN included) through an
// authenticated session.
type NDEFWriter struct {
	Session *Session
	FileNo  byte
	Comm    CommMode
}

// Write implements the message-writing collaborator of the provisioning
// flow. It does not select files, so the session stays valid.
func (w *NDEFWriter) Write(ndef []byte) error {
	if w.Session == nil {
		return fmt.Errorf("NDEF writer has no session")
	}
	if size := FileSize(w.FileNo); len(ndef) > int(size) {
		return preconditionf("ndef", "%d bytes exceeds the %d-byte file %d", len(ndef), size, w.FileNo)
	}
	return w.Session.WriteData(w.FileNo, 0, ndef, w.Comm)
}
