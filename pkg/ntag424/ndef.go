package ntag424

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// MirrorMode selects how UID and counter appear in the tapped URL.
type MirrorMode int

const (
	// MirrorPlain mirrors uid=<14 hex>&ctr=<6 hex>&mac=<16 hex>.
	MirrorPlain MirrorMode = iota
	// MirrorEncrypted mirrors picc=<32 hex>&mac=<16 hex>.
	MirrorEncrypted
)

func (m MirrorMode) String() string {
	if m == MirrorEncrypted {
		return "encrypted"
	}
	return "plain"
}

// ParseMirrorMode accepts "plain" or "encrypted".
func ParseMirrorMode(s string) (MirrorMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plain":
		return MirrorPlain, nil
	case "encrypted":
		return MirrorEncrypted, nil
	}
	return MirrorPlain, fmt.Errorf("unknown mirror mode %q (want plain or encrypted)", s)
}

// SDMNDEF represents an NDEF message with SDM placeholders. Offsets are
// positions in the NDEF file, which starts with the 2-byte NLEN.
type SDMNDEF struct {
	URL            string // Full URL with zero-filled placeholders
	NDEF           []byte // NLEN || NDEF message
	Mode           MirrorMode
	UIDOffset      uint32 // plain: first placeholder char after "uid="
	CtrOffset      uint32 // plain: first placeholder char after "ctr="
	PICCDataOffset uint32 // encrypted: first placeholder char after "picc="
	MacInputOffset uint32 // first mirrored parameter name ("uid=" or "picc=")
	MacOffset      uint32 // first placeholder char after "mac="
}

var uriPrefixes = []struct {
	prefix string
	code   byte
}{
	{prefix: "https://www.", code: 0x02},
	{prefix: "http://www.", code: 0x01},
	{prefix: "https://", code: 0x04},
	{prefix: "http://", code: 0x03},
}

// BuildSDMNDEF constructs an NDEF URI record with SDM placeholders from a
// base URL. SDM parameters come first in the query, in mirror order, and
// any existing query parameters follow them.
func BuildSDMNDEF(baseURL string, mode MirrorMode) (*SDMNDEF, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("URL must be absolute (include scheme and host)")
	}
	parsed.Fragment = ""

	// url.Values.Encode sorts keys, which would break the mirror order.
	var params []string
	if mode == MirrorEncrypted {
		params = append(params, "picc="+strings.Repeat("0", SDMPICCDataLen))
	} else {
		params = append(params, "uid="+strings.Repeat("0", SDMUIDLen), "ctr="+strings.Repeat("0", SDMCtrLen))
	}
	params = append(params, "mac="+strings.Repeat("0", SDMMACLen))
	query := parsed.Query()
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch key {
		case "uid", "ctr", "mac", "picc":
			continue
		}
		for _, value := range query[key] {
			params = append(params, url.QueryEscape(key)+"="+url.QueryEscape(value))
		}
	}
	parsed.RawQuery = strings.Join(params, "&")
	fullURL := parsed.String()

	ndef, err := encodeURIRecord(fullURL)
	if err != nil {
		return nil, err
	}

	out := &SDMNDEF{URL: fullURL, NDEF: ndef, Mode: mode}
	// Mirrored parameters open the query, so "?" + first locates it even
	// when the host or path contains a parameter name.
	first := "uid"
	if mode == MirrorEncrypted {
		first = "picc"
	}
	queryStart := bytes.Index(ndef, []byte("?"+first+"="))
	if queryStart < 0 {
		return nil, fmt.Errorf("failed to locate query in NDEF")
	}
	find := func(name string) (int, error) {
		for _, sep := range []string{"?", "&"} {
			if i := bytes.Index(ndef[queryStart:], []byte(sep+name+"=")); i >= 0 {
				return queryStart + i + 1, nil
			}
		}
		return 0, fmt.Errorf("failed to locate %s in NDEF", name)
	}
	macIdx, err := find("mac")
	if err != nil {
		return nil, err
	}
	out.MacOffset = uint32(macIdx + 4)
	if mode == MirrorEncrypted {
		piccIdx, err := find("picc")
		if err != nil {
			return nil, err
		}
		out.PICCDataOffset = uint32(piccIdx + 5)
		out.MacInputOffset = uint32(piccIdx)
	} else {
		uidIdx, err := find("uid")
		if err != nil {
			return nil, err
		}
		ctrIdx, err := find("ctr")
		if err != nil {
			return nil, err
		}
		out.UIDOffset = uint32(uidIdx + 4)
		out.CtrOffset = uint32(ctrIdx + 4)
		out.MacInputOffset = uint32(uidIdx)
	}
	if int(out.MacOffset)+SDMMACLen > len(ndef) {
		return nil, fmt.Errorf("offsets out of range")
	}
	return out, nil
}

// Apply copies the template offsets into an SDM configuration.
func (n *SDMNDEF) Apply(cfg *SDMConfig) {
	cfg.MACInputOffset = n.MacInputOffset
	cfg.MACOffset = n.MacOffset
	if n.Mode == MirrorEncrypted {
		cfg.PICCDataOffset = n.PICCDataOffset
		return
	}
	cfg.UIDOffset = n.UIDOffset
	cfg.CounterOffset = n.CtrOffset
}

// encodeURIRecord builds NLEN(2) || D1 01 len 55 prefix uri.
func encodeURIRecord(fullURL string) ([]byte, error) {
	prefixCode := byte(0x00)
	uri := fullURL
	for _, p := range uriPrefixes {
		if strings.HasPrefix(fullURL, p.prefix) {
			prefixCode = p.code
			uri = fullURL[len(p.prefix):]
			break
		}
	}

	payloadLen := 1 + len(uri)
	if payloadLen > 255 {
		return nil, fmt.Errorf("URI too long")
	}
	recordLen := 4 + payloadLen
	totalLen := 2 + recordLen
	if totalLen > 256 {
		return nil, fmt.Errorf("NDEF too long")
	}

	ndef := make([]byte, totalLen)
	ndef[0] = byte(recordLen >> 8)
	ndef[1] = byte(recordLen)
	ndef[2] = 0xD1 // MB=1, ME=1, SR=1, TNF=well-known
	ndef[3] = 0x01
	ndef[4] = byte(payloadLen)
	ndef[5] = 0x55 // 'U'
	ndef[6] = prefixCode
	copy(ndef[7:], uri)
	return ndef, nil
}

// DecodeURIRecord extracts the URL from a short URI record (the NDEF
// message without NLEN).
func DecodeURIRecord(msg []byte) (string, error) {
	if len(msg) < 5 {
		return "", fmt.Errorf("NDEF message too short (%d bytes)", len(msg))
	}
	if msg[0]&0x10 == 0 || msg[0]&0x07 != 0x01 || msg[1] != 0x01 || msg[3] != 0x55 {
		return "", fmt.Errorf("not a short well-known URI record (header %02X type %02X)", msg[0], msg[3])
	}
	payloadLen := int(msg[2])
	if 4+payloadLen > len(msg) || payloadLen < 1 {
		return "", fmt.Errorf("URI payload length %d exceeds message", payloadLen)
	}
	payload := msg[4 : 4+payloadLen]
	prefix := ""
	for _, p := range uriPrefixes {
		if p.code == payload[0] {
			prefix = p.prefix
		}
	}
	return prefix + string(payload[1:]), nil
}

// SDMURL holds the SDM parameters found in a tapped URL.
type SDMURL struct {
	UID      string
	Ctr      string
	PICC     string
	MAC      string
	MACInput string // raw text from the first mirrored parameter through "mac="
}

// ParseSDMURL extracts uid/ctr or picc, and mac from an SDM URL, together
// with the exact MAC input as the tag saw it.
func ParseSDMURL(rawURL string) (*SDMURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	out := &SDMURL{UID: q.Get("uid"), Ctr: q.Get("ctr"), PICC: q.Get("picc"), MAC: q.Get("mac")}
	if out.MAC == "" {
		return nil, fmt.Errorf("missing mac parameter")
	}
	if out.PICC == "" && (out.UID == "" || out.Ctr == "") {
		return nil, fmt.Errorf("missing uid/ctr or picc parameters")
	}

	raw := u.RawQuery
	start := strings.Index(raw, "uid=")
	if out.PICC != "" {
		start = strings.Index(raw, "picc=")
	}
	macIdx := strings.Index(raw, "mac=")
	if start < 0 || macIdx < start {
		return nil, fmt.Errorf("mac parameter must follow the mirrored parameters")
	}
	out.MACInput = raw[start : macIdx+4]
	return out, nil
}

// GenerateSDMURL simulates a plain-mirror tap: it fills the uid, ctr and
// mac placeholders of the template for baseURL the way the tag does.
func GenerateSDMURL(baseURL string, uid []byte, counter uint32, sdmFileKey []byte) (string, error) {
	if len(uid) != 7 {
		return "", fmt.Errorf("UID must be 7 bytes, got %d", len(uid))
	}
	if len(sdmFileKey) != 16 {
		return "", fmt.Errorf("SDM file key must be 16 bytes, got %d", len(sdmFileKey))
	}
	if counter > 0xFFFFFF {
		return "", fmt.Errorf("counter must be <= 0xFFFFFF, got %d", counter)
	}
	tpl, err := BuildSDMNDEF(baseURL, MirrorPlain)
	if err != nil {
		return "", err
	}
	file := append([]byte(nil), tpl.NDEF...)
	copy(file[tpl.UIDOffset:], strings.ToUpper(hex.EncodeToString(uid)))
	copy(file[tpl.CtrOffset:], strings.ToUpper(hex.EncodeToString([]byte{byte(counter >> 16), byte(counter >> 8), byte(counter)})))
	mac, err := SDMMAC(sdmFileKey, uid, counter, file[tpl.MacInputOffset:tpl.MacOffset])
	if err != nil {
		return "", err
	}
	copy(file[tpl.MacOffset:], strings.ToUpper(hex.EncodeToString(mac)))
	return DecodeURIRecord(file[2:])
}

// GenerateSDMURLEncrypted simulates an enciphered-mirror tap. pad fills the
// PICC data block (at least 5 bytes).
func GenerateSDMURLEncrypted(baseURL string, uid []byte, counter uint32, metaKey, fileKey, pad []byte) (string, error) {
	if len(uid) != 7 {
		return "", fmt.Errorf("UID must be 7 bytes, got %d", len(uid))
	}
	if counter > 0xFFFFFF {
		return "", fmt.Errorf("counter must be <= 0xFFFFFF, got %d", counter)
	}
	tpl, err := BuildSDMNDEF(baseURL, MirrorEncrypted)
	if err != nil {
		return "", err
	}
	enc, err := EncryptPICCData(metaKey, uid, counter, true, true, pad)
	if err != nil {
		return "", err
	}
	file := append([]byte(nil), tpl.NDEF...)
	copy(file[tpl.PICCDataOffset:], strings.ToUpper(hex.EncodeToString(enc)))
	mac, err := SDMMAC(fileKey, uid, counter, file[tpl.MacInputOffset:tpl.MacOffset])
	if err != nil {
		return "", err
	}
	copy(file[tpl.MacOffset:], strings.ToUpper(hex.EncodeToString(mac)))
	return DecodeURIRecord(file[2:])
}
