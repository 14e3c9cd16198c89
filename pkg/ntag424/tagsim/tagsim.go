// Package tagsim is a software NTAG 424 DNA. It implements ntag424.Card
// and answers native and ISO APDUs the way the tag does: EV2 handshakes,
// secure messaging checks, ChangeKey cryptogram checks, file settings,
// SDM mirroring on read, the authentication delay after repeated
// failures, and injected faults.
package tagsim

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/aead/cmac"

	"github.com/barnettlynn/sdmprov/pkg/ntag424"
)

// ErrRemoved is returned by Transmit once the tag has left the field.
var ErrRemoved = errors.New("tagsim: card removed")

// ErrInjected is the transport error produced by an injected fault.
var ErrInjected = errors.New("tagsim: injected transport failure")

// FaultKind selects what an injected fault does.
type FaultKind int

const (
	// FaultTransport fails the transmit before the tag sees the APDU.
	FaultTransport FaultKind = iota
	// FaultDropResponse lets the tag execute the APDU, then loses the response.
	FaultDropResponse
	// FaultCorruptResponse flips a bit in the response data.
	FaultCorruptResponse
)

// Fault is a one-shot failure for the first APDU matching Match after
// Skip matching APDUs have gone through.
type Fault struct {
	Match func(apdu []byte) bool
	Skip  int
	Kind  FaultKind
}

// MatchINS matches native commands with instruction ins.
func MatchINS(ins byte) func([]byte) bool {
	return func(apdu []byte) bool { return len(apdu) >= 2 && apdu[0] == 0x90 && apdu[1] == ins }
}

// MatchChangeKey matches ChangeKey for slot.
func MatchChangeKey(slot byte) func([]byte) bool {
	return func(apdu []byte) bool {
		return len(apdu) > 5 && apdu[0] == 0x90 && apdu[1] == 0xC4 && apdu[5] == slot
	}
}

var ndefAID = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

type file struct {
	no       byte
	id       uint16
	size     int
	data     []byte
	settings []byte // FileOption || AR1 || AR2 [|| SDM fields]
	sdmCtr   uint32
}

func (f *file) parsed() *ntag424.FileSettings {
	raw := make([]byte, 0, 4+len(f.settings)+3)
	raw = append(raw, 0x00, f.settings[0], f.settings[1], f.settings[2])
	raw = append(raw, byte(f.size), byte(f.size>>8), byte(f.size>>16))
	raw = append(raw, f.settings[3:]...)
	fs, err := ntag424.ParseFileSettings(raw)
	if err != nil {
		panic(fmt.Sprintf("tagsim: stored settings unparsable: %v", err))
	}
	return fs
}

func (f *file) response() []byte {
	out := []byte{0x00, f.settings[0], f.settings[1], f.settings[2], byte(f.size), byte(f.size >> 8), byte(f.size >> 16)}
	return append(out, f.settings[3:]...)
}

type authState struct {
	keyNo  byte
	keys   ntag424.SessionKeys
	ti     [4]byte
	cmdCtr uint16
}

type pendingAuth struct {
	keyNo    byte
	rndB     []byte
	nonFirst bool
}

// Tag is a simulated NTAG 424 DNA.
type Tag struct {
	mu sync.Mutex

	uid      [7]byte
	keys     [5][16]byte
	versions [5]byte
	files    map[byte]*file

	appSelected bool
	selected    *file
	sdmArmed    bool
	sdmImage    []byte

	auth    *authState
	pending *pendingAuth
	frames  [][]byte

	failedAuths int
	// RateLimitAfter is the number of consecutive failed authentications
	// after which phase 1 answers SW=91AD. Zero disables the delay.
	RateLimitAfter int

	faults  []*Fault
	removed bool
	rnd     io.Reader

	log []string
}

// New returns a tag in factory state: all keys zero at version 0, the NDEF
// file writable and readable without authentication.
func New(uid []byte) *Tag {
	t := &Tag{rnd: rand.Reader, files: map[byte]*file{}}
	copy(t.uid[:], uid)

	cc := make([]byte, 32)
	copy(cc, []byte{0x00, 0x17, 0x20, 0x01, 0x00, 0x00, 0xFF, 0x04, 0x06, 0xE1, 0x04, 0x01, 0x00, 0x00, 0x00,
		0x05, 0x06, 0xE1, 0x05, 0x00, 0x80, 0x82, 0x83, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	t.files[1] = &file{no: 1, id: 0xE103, size: 32, data: cc, settings: []byte{0x00, 0x00, 0xE0}}
	t.files[2] = &file{no: 2, id: 0xE104, size: 256, data: make([]byte, 256), settings: []byte{0x00, 0xE0, 0xEE}}
	t.files[3] = &file{no: 3, id: 0xE105, size: 128, data: make([]byte, 128), settings: []byte{0x03, 0x00, 0x00}}
	return t
}

// SetRand replaces the randomness source for RndB, TI and PICC padding.
func (t *Tag) SetRand(r io.Reader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rnd = r
}

// UID returns the tag UID.
func (t *Tag) UID() []byte { return append([]byte(nil), t.uid[:]...) }

// Key returns the current key and version of slot.
func (t *Tag) Key(slot byte) ([]byte, byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.keys[slot][:]...), t.versions[slot]
}

// SetKey overwrites a key slot directly.
func (t *Tag) SetKey(slot byte, key []byte, version byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.keys[slot][:], key)
	t.versions[slot] = version
}

// FileSettings returns the decoded settings of fileNo.
func (t *Tag) FileSettings(fileNo byte) *ntag424.FileSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fileNo].parsed()
}

// FileData returns a copy of the stored (unmirrored) content of fileNo.
func (t *Tag) FileData(fileNo byte) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.files[fileNo].data...)
}

// SDMCounter returns the SDM read counter of fileNo.
func (t *Tag) SDMCounter(fileNo byte) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.files[fileNo].sdmCtr
}

// Authenticated reports whether a session is live on the tag.
func (t *Tag) Authenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.auth != nil
}

// ClearAuthDelay resets the failed-authentication counter.
func (t *Tag) ClearAuthDelay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failedAuths = 0
}

// Inject queues a one-shot fault.
func (t *Tag) Inject(f Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults = append(t.faults, &f)
}

// Remove takes the tag out of the field; every later Transmit fails.
func (t *Tag) Remove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = true
	t.auth = nil
}

// Log returns the hex of every APDU the tag executed.
func (t *Tag) Log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

// Transmit implements ntag424.Card.
func (t *Tag) Transmit(apdu []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return nil, ErrRemoved
	}
	fault := t.takeFault(apdu)
	if fault != nil && fault.Kind == FaultTransport {
		return nil, ErrInjected
	}
	t.log = append(t.log, strings.ToUpper(hex.EncodeToString(apdu)))
	data, sw := t.dispatch(apdu)
	slog.Debug("tagsim", "apdu", strings.ToUpper(hex.EncodeToString(apdu)), "sw", fmt.Sprintf("%04X", sw))
	if fault != nil {
		switch fault.Kind {
		case FaultDropResponse:
			return nil, ErrInjected
		case FaultCorruptResponse:
			if len(data) > 0 {
				data = append([]byte(nil), data...)
				data[len(data)-1] ^= 0x01
			}
		}
	}
	out := append(append([]byte(nil), data...), byte(sw>>8), byte(sw))
	return out, nil
}

func (t *Tag) takeFault(apdu []byte) *Fault {
	for i, f := range t.faults {
		if f.Match != nil && !f.Match(apdu) {
			continue
		}
		if f.Skip > 0 {
			f.Skip--
			continue
		}
		t.faults = append(t.faults[:i], t.faults[i+1:]...)
		return f
	}
	return nil
}

func (t *Tag) random(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(t.rnd, b); err != nil {
		panic(fmt.Sprintf("tagsim: random: %v", err))
	}
	return b
}

func (t *Tag) dispatch(apdu []byte) ([]byte, uint16) {
	if len(apdu) < 4 {
		return nil, 0x6700
	}
	switch apdu[0] {
	case 0x00:
		return t.iso(apdu)
	case 0x90:
		ins := apdu[1]
		var body []byte
		if len(apdu) > 5 {
			lc := int(apdu[4])
			if len(apdu) != 6+lc {
				return nil, 0x917E
			}
			body = apdu[5 : 5+lc]
		}
		if ins != 0xAF {
			t.frames = nil
			if ins != 0x71 && ins != 0x77 {
				t.pending = nil
			}
		}
		return t.native(ins, body)
	}
	return nil, 0x6E00
}

func (t *Tag) native(ins byte, body []byte) ([]byte, uint16) {
	switch ins {
	case 0x71, 0x77:
		return t.authPhase1(ins == 0x77, body)
	case 0xAF:
		if t.pending != nil {
			return t.authPhase2(body)
		}
		if len(t.frames) > 0 {
			next := t.frames[0]
			t.frames = t.frames[1:]
			if len(t.frames) > 0 {
				return next, 0x91AF
			}
			return next, 0x9100
		}
		return nil, 0x91CA
	case 0x60:
		return t.getVersion()
	case 0x64:
		return t.getKeyVersion(body)
	case 0xC4:
		return t.changeKey(body)
	case 0x5F:
		return t.changeFileSettings(body)
	case 0xF5:
		return t.getFileSettings(body)
	case 0xF6:
		return t.getFileCounters(body)
	case 0x8D:
		return t.writeData(body)
	case 0xAD:
		return t.readData(body)
	}
	return nil, 0x911C
}

func (t *Tag) getVersion() ([]byte, uint16) {
	hw := []byte{0x04, 0x04, 0x02, 0x30, 0x00, 0x11, 0x05}
	sw := []byte{0x04, 0x04, 0x02, 0x01, 0x02, 0x11, 0x05}
	prod := append(append([]byte(nil), t.uid[:]...), 0xCF, 0x39, 0x41, 0x14, 0x90, 0x00, 0x23)
	t.frames = [][]byte{sw, prod}
	return hw, 0x91AF
}

func (t *Tag) getKeyVersion(body []byte) ([]byte, uint16) {
	if len(body) < 1 {
		return nil, 0x917E
	}
	if t.auth == nil {
		if len(body) != 1 || body[0] > 4 {
			return nil, 0x917E
		}
		return []byte{t.versions[body[0]]}, 0x9100
	}
	hdr, _, ok := t.openCmd(0x64, body, 1, ntag424.CommMAC)
	if !ok {
		return t.fail(0x911E)
	}
	if hdr[0] > 4 {
		return t.fail(0x919E)
	}
	return t.sealResp([]byte{t.versions[hdr[0]]}, ntag424.CommMAC)
}

func (t *Tag) authPhase1(nonFirst bool, body []byte) ([]byte, uint16) {
	t.pending = nil
	if t.RateLimitAfter > 0 && t.failedAuths >= t.RateLimitAfter {
		return nil, 0x91AD
	}
	if len(body) < 1 || (!nonFirst && len(body) < 2) {
		return nil, 0x917E
	}
	keyNo := body[0]
	if keyNo > 4 {
		return nil, 0x919E
	}
	if nonFirst && t.auth == nil {
		return nil, 0x91AE
	}
	if !nonFirst {
		t.auth = nil
	}
	rndB := t.random(16)
	enc := cbcEncrypt(t.keys[keyNo][:], rndB)
	t.pending = &pendingAuth{keyNo: keyNo, rndB: rndB, nonFirst: nonFirst}
	return enc, 0x91AF
}

func (t *Tag) authPhase2(body []byte) ([]byte, uint16) {
	p := t.pending
	t.pending = nil
	if len(body) != 32 {
		t.auth = nil
		return nil, 0x917E
	}
	key := t.keys[p.keyNo][:]
	dec := cbcDecrypt(key, body)
	rndA := dec[:16]
	if !bytes.Equal(dec[16:], rotl(p.rndB)) {
		t.failedAuths++
		t.auth = nil
		return nil, 0x91AE
	}
	t.failedAuths = 0
	keys, err := ntag424.DeriveSessionKeys(key, rndA, p.rndB)
	if err != nil {
		t.auth = nil
		return nil, 0x91CA
	}
	if p.nonFirst {
		prev := t.auth
		t.auth = &authState{keyNo: p.keyNo, keys: keys, ti: prev.ti, cmdCtr: prev.cmdCtr}
		return cbcEncrypt(key, rotl(rndA)), 0x9100
	}
	st := &authState{keyNo: p.keyNo, keys: keys}
	copy(st.ti[:], t.random(4))
	t.auth = st
	plain := make([]byte, 32)
	copy(plain, st.ti[:])
	copy(plain[4:20], rotl(rndA))
	return cbcEncrypt(key, plain), 0x9100
}

// fail ends the session as the tag does on any secure messaging error.
func (t *Tag) fail(sw uint16) ([]byte, uint16) {
	t.auth = nil
	return nil, sw
}

// openCmd checks a secure messaging command. hdrLen bytes of body are
// the clear header; the rest is data (enciphered in Full mode) and, in MAC
// and Full mode, the trailing 8-byte MAC.
func (t *Tag) openCmd(ins byte, body []byte, hdrLen int, comm ntag424.CommMode) (hdr, data []byte, ok bool) {
	a := t.auth
	if comm == ntag424.CommPlain {
		return body[:hdrLen], body[hdrLen:], true
	}
	if len(body) < hdrLen+8 {
		return nil, nil, false
	}
	hdr = body[:hdrLen]
	payload := body[hdrLen : len(body)-8]
	mact := body[len(body)-8:]
	want := a.mac(ins, a.cmdCtr, hdr, payload)
	if subtle.ConstantTimeCompare(want, mact) != 1 {
		return nil, nil, false
	}
	if comm == ntag424.CommMAC || len(payload) == 0 {
		return hdr, payload, true
	}
	if len(payload)%16 != 0 {
		return nil, nil, false
	}
	plain := cbcDecryptIV(a.keys.Enc[:], a.iv(0xA5, 0x5A, a.cmdCtr), payload)
	data, ok = unpad(plain)
	return hdr, data, ok
}

// sealResp advances the counter and builds the response in comm mode.
func (t *Tag) sealResp(data []byte, comm ntag424.CommMode) ([]byte, uint16) {
	a := t.auth
	a.cmdCtr++
	switch comm {
	case ntag424.CommPlain:
		return data, 0x9100
	case ntag424.CommMAC:
		return append(append([]byte(nil), data...), a.mac(0x00, a.cmdCtr, data)...), 0x9100
	}
	var enc []byte
	if len(data) > 0 {
		enc = cbcEncryptIV(a.keys.Enc[:], a.iv(0x5A, 0xA5, a.cmdCtr), pad(data))
	}
	return append(enc, a.mac(0x00, a.cmdCtr, enc)...), 0x9100
}

func (t *Tag) changeKey(body []byte) ([]byte, uint16) {
	if t.auth == nil {
		return nil, 0x91AE
	}
	if t.auth.keyNo != 0 {
		return t.fail(0x919D)
	}
	if len(body) < 1 {
		return t.fail(0x917E)
	}
	hdr, data, ok := t.openCmd(0xC4, body, 1, ntag424.CommFull)
	if !ok {
		return t.fail(0x911E)
	}
	slot := hdr[0]
	if slot > 4 {
		return t.fail(0x919E)
	}
	if slot == t.auth.keyNo {
		if len(data) != 17 {
			return t.fail(0x917E)
		}
		copy(t.keys[slot][:], data[:16])
		t.versions[slot] = data[16]
		// The session ends with the key; the answer carries no MAC.
		t.auth = nil
		return nil, 0x9100
	}
	if len(data) != 21 {
		return t.fail(0x917E)
	}
	newKey := make([]byte, 16)
	for i := range newKey {
		newKey[i] = data[i] ^ t.keys[slot][i]
	}
	if binary.LittleEndian.Uint32(data[17:21]) != ntag424.CRC32Inverted(newKey) {
		return t.fail(0x911E)
	}
	copy(t.keys[slot][:], newKey)
	t.versions[slot] = data[16]
	return t.sealResp(nil, ntag424.CommFull)
}

func (t *Tag) changeFileSettings(body []byte) ([]byte, uint16) {
	if len(body) < 1 {
		return nil, 0x917E
	}
	f := t.files[body[0]]
	if f == nil {
		return t.fail(0x91F0)
	}
	change := f.settings[1] & 0x0F
	var settings []byte
	if t.auth == nil {
		if change != ntag424.AccessFree {
			return nil, 0x91AE
		}
		settings = body[1:]
	} else {
		if change != ntag424.AccessFree && t.auth.keyNo != change {
			return t.fail(0x919D)
		}
		_, data, ok := t.openCmd(0x5F, body, 1, ntag424.CommFull)
		if !ok {
			return t.fail(0x911E)
		}
		settings = data
	}
	if len(settings) < 3 {
		return t.fail(0x917E)
	}
	raw := append([]byte{0x00, settings[0], settings[1], settings[2], byte(f.size), byte(f.size >> 8), byte(f.size >> 16)}, settings[3:]...)
	fs, err := ntag424.ParseFileSettings(raw)
	if err != nil {
		return t.fail(0x917E)
	}
	cfg := fs.SDMConfig(f.no)
	if err := cfg.Validate(); err != nil {
		return t.fail(0x919E)
	}
	f.settings = append([]byte(nil), settings...)
	if t.auth == nil {
		return nil, 0x9100
	}
	return t.sealResp(nil, ntag424.CommFull)
}

func (t *Tag) getFileSettings(body []byte) ([]byte, uint16) {
	if len(body) < 1 {
		return nil, 0x917E
	}
	f := t.files[body[0]]
	if f == nil {
		return nil, 0x91F0
	}
	if t.auth == nil {
		if len(body) != 1 {
			return nil, 0x917E
		}
		return f.response(), 0x9100
	}
	if _, _, ok := t.openCmd(0xF5, body, 1, ntag424.CommMAC); !ok {
		return t.fail(0x911E)
	}
	return t.sealResp(f.response(), ntag424.CommMAC)
}

func (t *Tag) getFileCounters(body []byte) ([]byte, uint16) {
	if len(body) < 1 {
		return nil, 0x917E
	}
	f := t.files[body[0]]
	if f == nil {
		return nil, 0x91F0
	}
	fs := f.parsed()
	if !fs.SDMEnabled() {
		return t.fail(0x919D)
	}
	out := []byte{byte(f.sdmCtr), byte(f.sdmCtr >> 8), byte(f.sdmCtr >> 16), 0x00, 0x00}
	if t.auth == nil {
		if fs.SDMCtr != ntag424.AccessFree {
			return nil, 0x91AE
		}
		return out, 0x9100
	}
	if fs.SDMCtr != ntag424.AccessFree && fs.SDMCtr != t.auth.keyNo {
		return t.fail(0x919D)
	}
	if _, _, ok := t.openCmd(0xF6, body, 1, ntag424.CommFull); !ok {
		return t.fail(0x911E)
	}
	return t.sealResp(out, ntag424.CommFull)
}

// dataAccess resolves the comm mode for a data command on f: free access
// is always plain, otherwise the authenticated key must match one of keys.
func (t *Tag) dataAccess(f *file, keys ...byte) (ntag424.CommMode, uint16) {
	for _, k := range keys {
		if k == ntag424.AccessFree {
			return ntag424.CommPlain, 0
		}
	}
	if t.auth == nil {
		return 0, 0x91AE
	}
	for _, k := range keys {
		if k == t.auth.keyNo {
			return ntag424.CommMode(f.settings[0] & 0x03), 0
		}
	}
	return 0, 0x919D
}

func (t *Tag) writeData(body []byte) ([]byte, uint16) {
	if len(body) < 7 {
		return nil, 0x917E
	}
	f := t.files[body[0]]
	if f == nil {
		return nil, 0x91F0
	}
	ar := ntag424.AccessRightsFromBytes(f.settings[1], f.settings[2])
	comm, sw := t.dataAccess(f, ar.Write, ar.ReadWrite)
	if sw != 0 {
		return t.fail(sw)
	}
	hdr, data, ok := t.openCmd(0x8D, body, 7, comm)
	if !ok {
		return t.fail(0x911E)
	}
	off := int(hdr[1]) | int(hdr[2])<<8 | int(hdr[3])<<16
	n := int(hdr[4]) | int(hdr[5])<<8 | int(hdr[6])<<16
	if n != len(data) {
		return t.fail(0x917E)
	}
	if off+n > f.size {
		return t.fail(0x911C)
	}
	copy(f.data[off:], data)
	if t.auth == nil {
		return nil, 0x9100
	}
	return t.sealResp(nil, comm)
}

func (t *Tag) readData(body []byte) ([]byte, uint16) {
	if len(body) < 7 {
		return nil, 0x917E
	}
	f := t.files[body[0]]
	if f == nil {
		return nil, 0x91F0
	}
	ar := ntag424.AccessRightsFromBytes(f.settings[1], f.settings[2])
	comm, sw := t.dataAccess(f, ar.Read, ar.ReadWrite)
	if sw != 0 {
		return t.fail(sw)
	}
	hdr, _, ok := t.openCmd(0xAD, body, 7, comm)
	if !ok {
		return t.fail(0x911E)
	}
	off := int(hdr[1]) | int(hdr[2])<<8 | int(hdr[3])<<16
	n := int(hdr[4]) | int(hdr[5])<<8 | int(hdr[6])<<16
	if n == 0 {
		n = f.size - off
	}
	if off+n > f.size || off > f.size {
		return t.fail(0x911C)
	}
	out := append([]byte(nil), f.data[off:off+n]...)
	if t.auth == nil {
		return out, 0x9100
	}
	return t.sealResp(out, comm)
}

func (t *Tag) iso(apdu []byte) ([]byte, uint16) {
	switch apdu[1] {
	case 0xA4:
		return t.isoSelect(apdu)
	case 0xB0:
		return t.isoRead(apdu)
	case 0xD6:
		return t.isoUpdate(apdu)
	}
	return nil, 0x6D00
}

func (t *Tag) isoSelect(apdu []byte) ([]byte, uint16) {
	if len(apdu) < 5 || len(apdu) < 5+int(apdu[4]) {
		return nil, 0x6700
	}
	arg := apdu[5 : 5+int(apdu[4])]
	t.auth = nil
	t.pending = nil
	t.sdmArmed = false
	t.sdmImage = nil
	if apdu[2] == 0x04 {
		if !bytes.Equal(arg, ndefAID) {
			return nil, 0x6A82
		}
		t.appSelected = true
		t.selected = nil
		return nil, 0x9000
	}
	if !t.appSelected || len(arg) != 2 {
		return nil, 0x6A82
	}
	id := uint16(arg[0])<<8 | uint16(arg[1])
	for _, f := range t.files {
		if f.id == id {
			t.selected = f
			t.sdmArmed = true
			return nil, 0x9000
		}
	}
	return nil, 0x6A82
}

func (t *Tag) isoRead(apdu []byte) ([]byte, uint16) {
	f := t.selected
	if f == nil {
		return nil, 0x6986
	}
	ar := ntag424.AccessRightsFromBytes(f.settings[1], f.settings[2])
	if ar.Read != ntag424.AccessFree && ar.ReadWrite != ntag424.AccessFree {
		return nil, 0x6982
	}
	off := int(apdu[2])<<8 | int(apdu[3])
	le := 256
	if len(apdu) > 4 && apdu[4] != 0 {
		le = int(apdu[4])
	}
	if off > f.size {
		return nil, 0x6B00
	}
	image := f.data
	fs := f.parsed()
	if fs.SDMEnabled() {
		if t.sdmArmed {
			img, sw := t.mirror(f, fs)
			if sw != 0x9000 {
				return nil, sw
			}
			t.sdmImage = img
			t.sdmArmed = false
		}
		if t.sdmImage != nil {
			image = t.sdmImage
		}
	}
	end := min(off+le, f.size)
	return append([]byte(nil), image[off:end]...), 0x9000
}

func (t *Tag) isoUpdate(apdu []byte) ([]byte, uint16) {
	f := t.selected
	if f == nil {
		return nil, 0x6986
	}
	if len(apdu) < 5 || len(apdu) != 5+int(apdu[4]) {
		return nil, 0x6700
	}
	ar := ntag424.AccessRightsFromBytes(f.settings[1], f.settings[2])
	if ar.Write != ntag424.AccessFree && ar.ReadWrite != ntag424.AccessFree {
		return nil, 0x6982
	}
	off := int(apdu[2])<<8 | int(apdu[3])
	data := apdu[5:]
	if off+len(data) > f.size {
		return nil, 0x6B00
	}
	copy(f.data[off:], data)
	return nil, 0x9000
}

// mirror bumps the SDM read counter and renders the file as a reader sees it.
func (t *Tag) mirror(f *file, fs *ntag424.FileSettings) ([]byte, uint16) {
	if fs.SDMOptions&ntag424.SDMOptReadCtrLimit != 0 && f.sdmCtr >= fs.CtrLimit {
		return nil, 0x6982
	}
	f.sdmCtr++
	ctr := f.sdmCtr
	img := append([]byte(nil), f.data...)
	put := func(off uint32, b []byte) {
		copy(img[off:], strings.ToUpper(hex.EncodeToString(b)))
	}
	withUID := fs.SDMOptions&ntag424.SDMOptUID != 0
	withCtr := fs.SDMOptions&ntag424.SDMOptReadCtr != 0
	switch {
	case fs.SDMMeta == ntag424.AccessFree:
		if withUID {
			put(fs.UIDOffset, t.uid[:])
		}
		if withCtr {
			put(fs.CtrOffset, []byte{byte(ctr >> 16), byte(ctr >> 8), byte(ctr)})
		}
	case fs.SDMMeta <= 4:
		enc, err := ntag424.EncryptPICCData(t.keys[fs.SDMMeta][:], t.uid[:], ctr, withUID, withCtr, t.random(16))
		if err != nil {
			return nil, 0x6F00
		}
		put(fs.PICCDataOffset, enc)
	}
	if fs.SDMFile <= 4 {
		mac, err := ntag424.SDMMAC(t.keys[fs.SDMFile][:], t.uid[:], ctr, img[fs.MACInputOffset:fs.MACOffset])
		if err != nil {
			return nil, 0x6F00
		}
		put(fs.MACOffset, mac)
	}
	return img, 0x9000
}

func (a *authState) iv(l0, l1 byte, ctr uint16) []byte {
	in := make([]byte, 16)
	in[0], in[1] = l0, l1
	copy(in[2:6], a.ti[:])
	in[6], in[7] = byte(ctr), byte(ctr>>8)
	block, _ := aes.NewCipher(a.keys.Enc[:])
	out := make([]byte, 16)
	block.Encrypt(out, in)
	return out
}

func (a *authState) mac(code byte, ctr uint16, parts ...[]byte) []byte {
	in := []byte{code, byte(ctr), byte(ctr >> 8)}
	in = append(in, a.ti[:]...)
	for _, p := range parts {
		in = append(in, p...)
	}
	block, _ := aes.NewCipher(a.keys.MAC[:])
	full, err := cmac.Sum(in, block, 16)
	if err != nil {
		panic(err)
	}
	out := make([]byte, 8)
	for i := range out {
		out[i] = full[2*i+1]
	}
	return out
}

func cbcEncrypt(key, data []byte) []byte { return cbcEncryptIV(key, make([]byte, 16), data) }

func cbcDecrypt(key, data []byte) []byte { return cbcDecryptIV(key, make([]byte, 16), data) }

func cbcEncryptIV(key, iv, data []byte) []byte {
	block, _ := aes.NewCipher(key)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out
}

func cbcDecryptIV(key, iv, data []byte) []byte {
	block, _ := aes.NewCipher(key)
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out
}

func pad(data []byte) []byte {
	out := make([]byte, len(data)+16-len(data)%16)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

func unpad(data []byte) ([]byte, bool) {
	i := len(data) - 1
	for i >= 0 && data[i] == 0 {
		i--
	}
	if i < 0 || data[i] != 0x80 || len(data)-i > 16 {
		return nil, false
	}
	return data[:i], true
}

func rotl(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b[1:])
	out[len(b)-1] = b[0]
	return out
}
