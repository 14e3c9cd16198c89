package ntag424

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// DESFire native instruction codes used by this package.
const (
	insAuthFirst       = 0x71
	insAuthNonFirst    = 0x77
	insAdditionalFrame = 0xAF
	insChangeKey       = 0xC4
	insChangeFileSet   = 0x5F
	insGetFileSettings = 0xF5
	insGetFileCounters = 0xF6
	insGetVersion      = 0x60
	insGetKeyVersion   = 0x64
	insWriteData       = 0x8D
	insReadData        = 0xAD
)

// CommMode is the communication mode of a command: bits 1:0 of FileOption.
type CommMode byte

const (
	CommPlain CommMode = 0x00
	CommMAC   CommMode = 0x01
	CommFull  CommMode = 0x03
)

func (m CommMode) String() string {
	switch m {
	case CommPlain:
		return "plain"
	case CommMAC:
		return "mac"
	case CommFull:
		return "full"
	default:
		return fmt.Sprintf("CommMode(%d)", byte(m))
	}
}

// Command is the closed set of DESFire commands this package puts on the
// wire. Encoding is a single exhaustive switch in encodeCommand.
type Command interface {
	isCommand()
}

// AuthPhase1 starts EV2First (NonFirst=false) or EV2NonFirst authentication.
type AuthPhase1 struct {
	KeyNo    byte
	NonFirst bool
}

// AuthPhase2 carries E(RndA || RndB').
type AuthPhase2 struct {
	Payload [32]byte
}

// AdditionalFrame asks for the next frame after SW=91AF.
type AdditionalFrame struct{}

// ChangeKeyCmd changes one key slot. KeyData is the unpadded plaintext
// cryptogram: 17 bytes for the authenticating key, 21 bytes otherwise.
type ChangeKeyCmd struct {
	Slot    byte
	KeyData []byte
}

// ChangeFileSettingsCmd writes Settings (everything after the file number)
// to FileNo.
type ChangeFileSettingsCmd struct {
	FileNo   byte
	Settings []byte
	Comm     CommMode
}

// GetFileSettingsCmd reads a file's settings.
type GetFileSettingsCmd struct {
	FileNo byte
	Comm   CommMode
}

// GetFileCountersCmd reads the SDM read counter of a file.
type GetFileCountersCmd struct {
	FileNo byte
}

// GetKeyVersionCmd reads the version byte of a key slot.
type GetKeyVersionCmd struct {
	KeyNo byte
}

// GetVersionCmd reads the three-frame version record.
type GetVersionCmd struct{}

// WriteDataCmd writes Data at Offset in FileNo.
type WriteDataCmd struct {
	FileNo byte
	Offset uint32
	Data   []byte
	Comm   CommMode
}

// ReadDataCmd reads Length bytes (0 = to end of file) at Offset in FileNo.
type ReadDataCmd struct {
	FileNo byte
	Offset uint32
	Length uint32
	Comm   CommMode
}

func (AuthPhase1) isCommand()            {}
func (AuthPhase2) isCommand()            {}
func (AdditionalFrame) isCommand()       {}
func (ChangeKeyCmd) isCommand()          {}
func (ChangeFileSettingsCmd) isCommand() {}
func (GetFileSettingsCmd) isCommand()    {}
func (GetFileCountersCmd) isCommand()    {}
func (GetVersionCmd) isCommand()         {}
func (GetKeyVersionCmd) isCommand()      {}
func (WriteDataCmd) isCommand()          {}
func (ReadDataCmd) isCommand()           {}

// frame is an encoded command before secure messaging: header travels in
// clear (and is MACed), data is encrypted in Full mode.
type frame struct {
	ins    byte
	header []byte
	data   []byte
	comm   CommMode
}

func encodeCommand(cmd Command) (frame, error) {
	switch c := cmd.(type) {
	case AuthPhase1:
		if c.NonFirst {
			return frame{ins: insAuthNonFirst, header: []byte{c.KeyNo}}, nil
		}
		// LenCap = 0: no PCDcap2 sent.
		return frame{ins: insAuthFirst, header: []byte{c.KeyNo, 0x00}}, nil
	case AuthPhase2:
		return frame{ins: insAdditionalFrame, header: append([]byte(nil), c.Payload[:]...)}, nil
	case AdditionalFrame:
		return frame{ins: insAdditionalFrame}, nil
	case ChangeKeyCmd:
		if c.Slot > 4 {
			return frame{}, preconditionf("slot", "key slot %d out of range 0..4", c.Slot)
		}
		if len(c.KeyData) != 17 && len(c.KeyData) != 21 {
			return frame{}, preconditionf("key data", "cryptogram plaintext must be 17 or 21 bytes, got %d", len(c.KeyData))
		}
		return frame{ins: insChangeKey, header: []byte{c.Slot}, data: c.KeyData, comm: CommFull}, nil
	case ChangeFileSettingsCmd:
		if len(c.Settings) < 3 {
			return frame{}, preconditionf("settings", "need at least FileOption and access rights, got %d bytes", len(c.Settings))
		}
		if c.Comm == CommMAC {
			return frame{}, preconditionf("comm", "ChangeFileSettings is sent plain or fully enciphered")
		}
		if c.Comm == CommPlain {
			body := append([]byte{c.FileNo}, c.Settings...)
			return frame{ins: insChangeFileSet, header: body}, nil
		}
		return frame{ins: insChangeFileSet, header: []byte{c.FileNo}, data: c.Settings, comm: CommFull}, nil
	case GetFileSettingsCmd:
		if c.Comm == CommFull {
			return frame{}, preconditionf("comm", "GetFileSettings is sent plain or MACed")
		}
		return frame{ins: insGetFileSettings, header: []byte{c.FileNo}, comm: c.Comm}, nil
	case GetFileCountersCmd:
		return frame{ins: insGetFileCounters, header: []byte{c.FileNo}, comm: CommFull}, nil
	case GetVersionCmd:
		return frame{ins: insGetVersion}, nil
	case GetKeyVersionCmd:
		if c.KeyNo > 4 {
			return frame{}, preconditionf("slot", "key slot %d out of range 0..4", c.KeyNo)
		}
		return frame{ins: insGetKeyVersion, header: []byte{c.KeyNo}, comm: CommMAC}, nil
	case WriteDataCmd:
		if len(c.Data) == 0 {
			return frame{}, preconditionf("data", "nothing to write")
		}
		if c.Offset > 0xFFFFFF || len(c.Data) > 0xFFFFFF {
			return frame{}, preconditionf("offset", "offset or length exceeds 24 bits")
		}
		hdr := make([]byte, 7)
		hdr[0] = c.FileNo
		putU24le(hdr[1:4], c.Offset)
		putU24le(hdr[4:7], uint32(len(c.Data)))
		if c.Comm == CommFull {
			return frame{ins: insWriteData, header: hdr, data: c.Data, comm: CommFull}, nil
		}
		return frame{ins: insWriteData, header: append(hdr, c.Data...), comm: c.Comm}, nil
	case ReadDataCmd:
		if c.Offset > 0xFFFFFF || c.Length > 0xFFFFFF {
			return frame{}, preconditionf("offset", "offset or length exceeds 24 bits")
		}
		hdr := make([]byte, 7)
		hdr[0] = c.FileNo
		putU24le(hdr[1:4], c.Offset)
		putU24le(hdr[4:7], c.Length)
		return frame{ins: insReadData, header: hdr, comm: c.Comm}, nil
	default:
		return frame{}, fmt.Errorf("unsupported command type %T", cmd)
	}
}

// wrapAPDU frames a native command as 90 INS 00 00 [Lc body] 00.
func wrapAPDU(ins byte, body []byte) ([]byte, error) {
	if len(body) > 0xFF {
		return nil, preconditionf("body", "APDU data too long (%d bytes)", len(body))
	}
	apdu := make([]byte, 0, 6+len(body))
	apdu = append(apdu, 0x90, ins, 0x00, 0x00)
	if len(body) > 0 {
		apdu = append(apdu, byte(len(body)))
		apdu = append(apdu, body...)
	}
	return append(apdu, 0x00), nil
}

// exchange sends one native frame and splits the status word. Transport
// failures come back as *TransportError.
func exchange(card Card, ins byte, body []byte) ([]byte, uint16, error) {
	apdu, err := wrapAPDU(ins, body)
	if err != nil {
		return nil, 0, err
	}
	slog.Debug("apdu >>", "ins", fmt.Sprintf("0x%02X", ins), "apdu", strings.ToUpper(hex.EncodeToString(apdu)))
	data, sw, err := Transmit(card, apdu)
	if err != nil {
		return nil, 0, &TransportError{Cmd: ins, Cause: err}
	}
	slog.Debug("apdu <<", "ins", fmt.Sprintf("0x%02X", ins), "sw", fmt.Sprintf("%04X", sw), "data", strings.ToUpper(hex.EncodeToString(data)))
	return data, sw, nil
}

// maxChainedFrames bounds the 91AF continuations followed for one command.
// GetVersion, the longest chain the tag produces, uses three frames.
const maxChainedFrames = 8

// exchangeChained sends one plain command and follows 91AF continuation
// frames until a terminal status. The concatenated data is returned with
// the terminal status word.
func exchangeChained(card Card, cmd Command) ([]byte, uint16, error) {
	f, err := encodeCommand(cmd)
	if err != nil {
		return nil, 0, err
	}
	if f.comm != CommPlain {
		return nil, 0, preconditionf("comm", "chained exchange is plain only")
	}
	var out []byte
	ins, body := f.ins, f.header
	for range maxChainedFrames {
		data, sw, err := exchange(card, ins, body)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, data...)
		if sw != SWMoreData {
			return out, sw, nil
		}
		ins, body = insAdditionalFrame, nil
	}
	return nil, 0, &IntegrityError{Reason: fmt.Sprintf("command 0x%02X still chaining after %d frames", f.ins, maxChainedFrames)}
}

// sendPlain encodes and exchanges one plain command without chaining.
func sendPlain(card Card, cmd Command) ([]byte, uint16, error) {
	f, err := encodeCommand(cmd)
	if err != nil {
		return nil, 0, err
	}
	if f.comm != CommPlain {
		return nil, 0, preconditionf("comm", "command 0x%02X needs an authenticated session", f.ins)
	}
	return exchange(card, f.ins, f.header)
}
