package ntag424

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Access nibble values.
const (
	AccessFree   byte = 0x0E
	AccessDenied byte = 0x0F
)

// SDMOptions bits.
const (
	SDMOptUID          byte = 0x80
	SDMOptReadCtr      byte = 0x40
	SDMOptReadCtrLimit byte = 0x20
	SDMOptEncFileData  byte = 0x10
	SDMOptASCII        byte = 0x01

	fileOptSDM byte = 0x40
)

// Mirror lengths in ASCII encoding.
const (
	SDMUIDLen      = 14
	SDMCtrLen      = 6
	SDMPICCDataLen = 32
	SDMMACLen      = 16
)

// AccessRights are the four file access nibbles. On the wire they are
// [ReadWrite|Change], [Read|Write].
type AccessRights struct {
	Read      byte
	Write     byte
	ReadWrite byte
	Change    byte
}

// Bytes returns AR1, AR2.
func (a AccessRights) Bytes() [2]byte {
	return [2]byte{a.ReadWrite<<4 | a.Change&0x0F, a.Read<<4 | a.Write&0x0F}
}

// AccessRightsFromBytes is the inverse of Bytes.
func AccessRightsFromBytes(ar1, ar2 byte) AccessRights {
	return AccessRights{Read: ar2 >> 4, Write: ar2 & 0x0F, ReadWrite: ar1 >> 4, Change: ar1 & 0x0F}
}

// SDMConfig is the complete settings of one file with optional Secure
// Dynamic Messaging. Build it once, call Validate, and send Build's output.
type SDMConfig struct {
	FileNo   byte
	FileSize uint32
	CommMode CommMode
	Access   AccessRights

	// Enabled turns SDM on. The remaining fields are ignored when false.
	Enabled             bool
	MirrorUID           bool
	MirrorCounter       bool
	CounterLimitEnabled bool
	MirrorEncFileData   bool

	MetaReadKey     byte // 0..4 enciphered PICC data, E plain mirror, F none
	FileReadKey     byte // 0..4 enables the SDM MAC, F disables it
	CtrRetrievalKey byte // GetFileCounters access

	UIDOffset      uint32
	CounterOffset  uint32
	PICCDataOffset uint32
	MACInputOffset uint32
	EncOffset      uint32
	EncLength      uint32
	MACOffset      uint32
	CounterLimit   uint32
}

func isKeyNo(n byte) bool { return n <= 4 }

func validNibble(n byte) bool { return isKeyNo(n) || n == AccessFree || n == AccessDenied }

// plainMeta reports whether UID and counter are mirrored in clear.
func (c *SDMConfig) plainMeta() bool { return c.MetaReadKey == AccessFree }

// encMeta reports whether UID and counter are mirrored as enciphered PICC data.
func (c *SDMConfig) encMeta() bool { return isKeyNo(c.MetaReadKey) }

func (c *SDMConfig) macEnabled() bool { return isKeyNo(c.FileReadKey) }

// Options returns the SDMOptions byte. ASCII encoding is always set.
func (c *SDMConfig) Options() byte {
	opt := SDMOptASCII
	if c.MirrorUID {
		opt |= SDMOptUID
	}
	if c.MirrorCounter {
		opt |= SDMOptReadCtr
	}
	if c.CounterLimitEnabled {
		opt |= SDMOptReadCtrLimit
	}
	if c.MirrorEncFileData {
		opt |= SDMOptEncFileData
	}
	return opt
}

type mirrorRegion struct {
	name string
	off  uint32
	n    uint32
}

func (r mirrorRegion) end() uint64 { return uint64(r.off) + uint64(r.n) }

// regions lists every mirrored byte range the tag will overwrite on read.
func (c *SDMConfig) regions() []mirrorRegion {
	var r []mirrorRegion
	if c.plainMeta() && c.MirrorUID {
		r = append(r, mirrorRegion{"uid", c.UIDOffset, SDMUIDLen})
	}
	if c.plainMeta() && c.MirrorCounter {
		r = append(r, mirrorRegion{"counter", c.CounterOffset, SDMCtrLen})
	}
	if c.encMeta() {
		r = append(r, mirrorRegion{"picc data", c.PICCDataOffset, SDMPICCDataLen})
	}
	if c.macEnabled() && c.MirrorEncFileData {
		r = append(r, mirrorRegion{"enc file data", c.EncOffset, c.EncLength})
	}
	if c.macEnabled() {
		r = append(r, mirrorRegion{"mac", c.MACOffset, SDMMACLen})
	}
	return r
}

// Validate checks every invariant the tag would otherwise reject with a
// length or parameter error. It performs no I/O.
func (c *SDMConfig) Validate() error {
	if c.FileNo < 1 || c.FileNo > 3 {
		return preconditionf("file", "file number %d out of range 1..3", c.FileNo)
	}
	if c.CommMode != CommPlain && c.CommMode != CommMAC && c.CommMode != CommFull {
		return preconditionf("comm", "invalid communication mode %d", c.CommMode)
	}
	for name, n := range map[string]byte{
		"access.read": c.Access.Read, "access.write": c.Access.Write,
		"access.read_write": c.Access.ReadWrite, "access.change": c.Access.Change,
	} {
		if !validNibble(n) {
			return preconditionf(name, "0x%X is neither a key 0..4 nor E/F", n)
		}
	}
	if !c.Enabled {
		return nil
	}
	for name, n := range map[string]byte{
		"meta read key": c.MetaReadKey, "file read key": c.FileReadKey, "counter retrieval key": c.CtrRetrievalKey,
	} {
		if !validNibble(n) {
			return preconditionf(name, "0x%X is neither a key 0..4 nor E/F", n)
		}
	}
	if c.MirrorUID && c.MetaReadKey == AccessDenied {
		return preconditionf("meta read key", "UID mirroring requested but meta read access is disabled")
	}
	if c.MirrorCounter && c.MetaReadKey == AccessDenied {
		return preconditionf("meta read key", "counter mirroring requested but meta read access is disabled")
	}
	if c.encMeta() && !c.MirrorUID && !c.MirrorCounter {
		return preconditionf("meta read key", "enciphered PICC data needs UID or counter mirroring")
	}
	if c.FileReadKey == AccessFree {
		return preconditionf("file read key", "SDM MAC key must be a key 0..4 or F")
	}
	if c.MirrorEncFileData {
		if !c.macEnabled() {
			return preconditionf("enc file data", "needs a file read key")
		}
		if !c.MirrorUID || !c.MirrorCounter {
			return preconditionf("enc file data", "needs UID and counter mirroring")
		}
		if c.EncLength == 0 || c.EncLength%32 != 0 {
			return preconditionf("enc length", "must be a non-zero multiple of 32, got %d", c.EncLength)
		}
		if c.EncLength > 0xFFFFFF {
			return preconditionf("enc length", "exceeds 24 bits")
		}
		if c.EncOffset < c.MACInputOffset || uint64(c.EncOffset)+uint64(c.EncLength) > uint64(c.MACOffset) {
			return preconditionf("enc offset", "enciphered region must lie between MAC input and MAC")
		}
	}
	if c.CounterLimitEnabled && c.CounterLimit > 0xFFFFFF {
		return preconditionf("counter limit", "exceeds 24 bits")
	}
	if c.macEnabled() && c.MACInputOffset > 0xFFFFFF {
		return preconditionf("mac input offset", "exceeds 24 bits")
	}
	if c.macEnabled() && c.MACInputOffset > c.MACOffset {
		return preconditionf("mac input offset", "%d is after MAC offset %d", c.MACInputOffset, c.MACOffset)
	}

	regions := c.regions()
	for _, r := range regions {
		if r.off > 0xFFFFFF {
			return preconditionf(r.name, "offset exceeds 24 bits")
		}
		if c.FileSize > 0 && r.end() > uint64(c.FileSize) {
			return preconditionf(r.name, "region [%d,%d) exceeds file size %d", r.off, r.end(), c.FileSize)
		}
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].off < regions[j].off })
	for i := 1; i < len(regions); i++ {
		a, b := regions[i-1], regions[i]
		if a.end() > uint64(b.off) {
			return preconditionf(b.name, "region [%d,%d) overlaps %s [%d,%d)", b.off, b.end(), a.name, a.off, a.end())
		}
	}
	return nil
}

// Build validates the configuration and encodes the ChangeFileSettings
// payload: FileNo || FileOption || AR(2) [|| SDMOptions || SDMAR(2) ||
// offsets]. The conditional fields follow in this order:
//
//	UIDOffset         MirrorUID and meta read is E
//	ReadCtrOffset     MirrorCounter and meta read is E
//	PICCDataOffset    meta read is a key
//	MACInputOffset    file read is a key
//	ENCOffset, Length file read is a key and MirrorEncFileData
//	MACOffset         file read is a key
//	ReadCtrLimit      CounterLimitEnabled
func (c *SDMConfig) Build() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ar := c.Access.Bytes()
	fileOption := byte(c.CommMode) & 0x03
	if c.Enabled {
		fileOption |= fileOptSDM
	}
	out := make([]byte, 0, 40)
	out = append(out, c.FileNo, fileOption, ar[0], ar[1])
	if !c.Enabled {
		return out, nil
	}

	// SDMAR little-endian: [RFU(F)|CtrRet], [MetaRead|FileRead]
	out = append(out, c.Options(), 0xF0|c.CtrRetrievalKey&0x0F, c.MetaReadKey<<4|c.FileReadKey&0x0F)

	if c.MirrorUID && c.plainMeta() {
		out = append(out, u24le(c.UIDOffset)...)
	}
	if c.MirrorCounter && c.plainMeta() {
		out = append(out, u24le(c.CounterOffset)...)
	}
	if c.encMeta() {
		out = append(out, u24le(c.PICCDataOffset)...)
	}
	if c.macEnabled() {
		out = append(out, u24le(c.MACInputOffset)...)
		if c.MirrorEncFileData {
			out = append(out, u24le(c.EncOffset)...)
			out = append(out, u24le(c.EncLength)...)
		}
		out = append(out, u24le(c.MACOffset)...)
	}
	if c.CounterLimitEnabled {
		out = append(out, u24le(c.CounterLimit)...)
	}
	return out, nil
}

// Command builds the ChangeFileSettings command for this configuration.
func (c *SDMConfig) Command(comm CommMode) (ChangeFileSettingsCmd, error) {
	payload, err := c.Build()
	if err != nil {
		return ChangeFileSettingsCmd{}, err
	}
	return ChangeFileSettingsCmd{FileNo: payload[0], Settings: payload[1:], Comm: comm}, nil
}

// DeriveSDMSessionKey derives the SDM MAC session key:
//
//	SV2 = 3C C3 00 01 00 80 || UID(7) || Counter_LE(3)
//	SDMSessionKey = AES-CMAC(baseKey, SV2)
func DeriveSDMSessionKey(baseKey, uid, ctrLE []byte) ([]byte, error) {
	if len(baseKey) != 16 {
		return nil, fmt.Errorf("base key must be 16 bytes, got %d", len(baseKey))
	}
	if len(uid) != 7 {
		return nil, fmt.Errorf("UID must be 7 bytes, got %d", len(uid))
	}
	if len(ctrLE) != 3 {
		return nil, fmt.Errorf("counter must be 3 bytes, got %d", len(ctrLE))
	}

	sv2 := make([]byte, 0, 16)
	sv2 = append(sv2, 0x3C, 0xC3, 0x00, 0x01, 0x00, 0x80)
	sv2 = append(sv2, uid...)
	sv2 = append(sv2, ctrLE...)

	return aesCMAC(baseKey, sv2)
}

// SDMMAC computes the 8-byte SDM MAC over macInput, the file bytes from
// MACInputOffset up to MACOffset as the tag mirrors them.
func SDMMAC(fileReadKey, uid []byte, counter uint32, macInput []byte) ([]byte, error) {
	sessionKey, err := DeriveSDMSessionKey(fileReadKey, uid, u24le(counter))
	if err != nil {
		return nil, fmt.Errorf("session key derive: %w", err)
	}
	defer zero(sessionKey)
	return macTruncated(sessionKey, macInput)
}

// PICCData is the deciphered content of an encrypted PICC data mirror.
type PICCData struct {
	UID        []byte
	Counter    uint32
	HasUID     bool
	HasCounter bool
}

// EncryptPICCData produces the 16-byte enciphered PICC data block the tag
// mirrors when the meta read key is a key slot: AES-CBC with a zero IV
// over tag || UID || ctr LE || pad, where tag is 0x80 (UID) | 0x40 (ctr) |
// UID length. pad fills the block and is normally random.
func EncryptPICCData(metaKey []byte, uid []byte, counter uint32, withUID, withCtr bool, pad []byte) ([]byte, error) {
	plain := make([]byte, 0, 16)
	tag := byte(0)
	if withUID {
		tag |= 0x80 | byte(len(uid))
	}
	if withCtr {
		tag |= 0x40
	}
	plain = append(plain, tag)
	if withUID {
		plain = append(plain, uid...)
	}
	if withCtr {
		plain = append(plain, u24le(counter)...)
	}
	if len(plain)+len(pad) < 16 {
		return nil, fmt.Errorf("PICC data pad too short (%d bytes)", len(pad))
	}
	plain = append(plain, pad[:16-len(plain)]...)
	return aesCBCEncrypt(metaKey, make([]byte, 16), plain)
}

// DecryptPICCData reverses EncryptPICCData.
func DecryptPICCData(metaKey, enc []byte) (*PICCData, error) {
	if len(enc) != 16 {
		return nil, fmt.Errorf("PICC data must be 16 bytes, got %d", len(enc))
	}
	plain, err := aesCBCDecrypt(metaKey, make([]byte, 16), enc)
	if err != nil {
		return nil, err
	}
	tag := plain[0]
	pd := &PICCData{HasUID: tag&0x80 != 0, HasCounter: tag&0x40 != 0}
	idx := 1
	if pd.HasUID {
		n := int(tag & 0x0F)
		if n != 7 {
			return nil, &IntegrityError{Reason: fmt.Sprintf("PICC data tag 0x%02X: unexpected UID length %d (wrong meta read key?)", tag, n)}
		}
		pd.UID = append([]byte(nil), plain[idx:idx+n]...)
		idx += n
	}
	if pd.HasCounter {
		pd.Counter = readU24le(plain, idx)
	}
	if !pd.HasUID && !pd.HasCounter {
		return nil, &IntegrityError{Reason: fmt.Sprintf("PICC data tag 0x%02X mirrors nothing (wrong meta read key?)", tag)}
	}
	return pd, nil
}

// TapResult is a verified SDM tap.
type TapResult struct {
	UID     []byte
	Counter uint32
	MAC     string
}

// VerifySDMMAC verifies a plain-mirror SDM URL (uid, ctr and mac query
// parameters) against the SDM file read key. A mismatch is reported as an
// *IntegrityError.
func VerifySDMMAC(rawURL string, sdmFileKey []byte) (*TapResult, error) {
	tap, err := ParseSDMURL(rawURL)
	if err != nil {
		return nil, err
	}
	if tap.PICC != "" {
		return nil, fmt.Errorf("URL carries enciphered PICC data; use VerifySDMMACEncrypted")
	}
	uid, err := decodeHexLen("uid", tap.UID, 7)
	if err != nil {
		return nil, err
	}
	ctrBE, err := decodeHexLen("ctr", tap.Ctr, 3)
	if err != nil {
		return nil, err
	}
	counter := uint32(ctrBE[0])<<16 | uint32(ctrBE[1])<<8 | uint32(ctrBE[2])
	if err := checkMAC(sdmFileKey, uid, counter, tap.MACInput, tap.MAC); err != nil {
		return nil, err
	}
	return &TapResult{UID: uid, Counter: counter, MAC: strings.ToUpper(tap.MAC)}, nil
}

// VerifySDMMACEncrypted verifies an enciphered-mirror SDM URL (picc and mac
// query parameters): it deciphers PICC data with metaKey, then checks the
// MAC with fileKey.
func VerifySDMMACEncrypted(rawURL string, metaKey, fileKey []byte) (*TapResult, error) {
	tap, err := ParseSDMURL(rawURL)
	if err != nil {
		return nil, err
	}
	if tap.PICC == "" {
		return nil, fmt.Errorf("URL has no picc parameter")
	}
	enc, err := decodeHexLen("picc", tap.PICC, 16)
	if err != nil {
		return nil, err
	}
	pd, err := DecryptPICCData(metaKey, enc)
	if err != nil {
		return nil, err
	}
	if !pd.HasUID || !pd.HasCounter {
		return nil, fmt.Errorf("PICC data must carry UID and counter for MAC verification")
	}
	if err := checkMAC(fileKey, pd.UID, pd.Counter, tap.MACInput, tap.MAC); err != nil {
		return nil, err
	}
	return &TapResult{UID: pd.UID, Counter: pd.Counter, MAC: strings.ToUpper(tap.MAC)}, nil
}

func checkMAC(fileKey, uid []byte, counter uint32, macInput, macHex string) error {
	got, err := decodeHexLen("mac", macHex, 8)
	if err != nil {
		return err
	}
	want, err := SDMMAC(fileKey, uid, counter, []byte(macInput))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return &IntegrityError{Reason: fmt.Sprintf("SDM MAC mismatch: got %s want %s",
			strings.ToUpper(macHex), strings.ToUpper(hex.EncodeToString(want)))}
	}
	return nil
}

func decodeHexLen(name, s string, n int) ([]byte, error) {
	if len(s) != 2*n {
		return nil, fmt.Errorf("%s must be %d hex chars, got %d", name, 2*n, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s hex decode: %w", name, err)
	}
	return b, nil
}
