package ntag424

import (
	"errors"
	"fmt"
	"log/slog"
)

// FileSettings represents the decoded GetFileSettings response.
type FileSettings struct {
	FileType   byte   // 0x00 = standard data file
	FileOption byte   // bit 6 = SDM enabled, bits 1:0 = comm mode
	AR1        byte   // [ReadWrite nibble | ChangeAccessRights nibble]
	AR2        byte   // [Read nibble | Write nibble]
	Size       int    // File size in bytes (3-byte LE)
	SDMOptions byte   // SDM options (bit 7=UID, bit 6=Ctr, bit 5=limit, bit 4=ENC, bit 0=ASCII)
	SDMMeta    byte   // Meta read access (upper nibble of SDMAR)
	SDMFile    byte   // File read access (bits 11:8 of SDMAR)
	SDMCtr     byte   // Counter retrieval access (lower nibble of SDMAR)
	RawData    []byte // Raw response for diagnostics

	UIDOffset      uint32 // if bit7 and Meta=E
	CtrOffset      uint32 // if bit6 and Meta=E
	PICCDataOffset uint32 // if Meta is a key
	MACInputOffset uint32 // if File != F
	ENCOffset      uint32 // if File != F and bit4
	ENCLength      uint32 // if File != F and bit4
	MACOffset      uint32 // if File != F
	CtrLimit       uint32 // if bit5
}

// SDMEnabled reports bit 6 of FileOption.
func (fs *FileSettings) SDMEnabled() bool { return fs.FileOption&fileOptSDM != 0 }

// CommMode returns bits 1:0 of FileOption.
func (fs *FileSettings) CommMode() CommMode { return CommMode(fs.FileOption & 0x03) }

// Access decodes AR1/AR2.
func (fs *FileSettings) Access() AccessRights { return AccessRightsFromBytes(fs.AR1, fs.AR2) }

// SDMConfig converts the settings back into a configuration for fileNo, so
// a configuration can be compared with what the tag reports.
func (fs *FileSettings) SDMConfig(fileNo byte) SDMConfig {
	c := SDMConfig{
		FileNo:   fileNo,
		FileSize: uint32(fs.Size),
		CommMode: fs.CommMode(),
		Access:   fs.Access(),
		Enabled:  fs.SDMEnabled(),
	}
	if !c.Enabled {
		return c
	}
	c.MirrorUID = fs.SDMOptions&SDMOptUID != 0
	c.MirrorCounter = fs.SDMOptions&SDMOptReadCtr != 0
	c.CounterLimitEnabled = fs.SDMOptions&SDMOptReadCtrLimit != 0
	c.MirrorEncFileData = fs.SDMOptions&SDMOptEncFileData != 0
	c.MetaReadKey, c.FileReadKey, c.CtrRetrievalKey = fs.SDMMeta, fs.SDMFile, fs.SDMCtr
	c.UIDOffset, c.CounterOffset, c.PICCDataOffset = fs.UIDOffset, fs.CtrOffset, fs.PICCDataOffset
	c.MACInputOffset, c.EncOffset, c.EncLength, c.MACOffset = fs.MACInputOffset, fs.ENCOffset, fs.ENCLength, fs.MACOffset
	c.CounterLimit = fs.CtrLimit
	return c
}

// ParseFileSettings parses the raw GetFileSettings response. It decodes the
// conditional SDM fields in the same order SDMConfig.Build writes them.
func ParseFileSettings(data []byte) (*FileSettings, error) {
	if len(data) < 7 {
		return nil, errors.New("file settings too short")
	}
	fs := &FileSettings{}
	fs.FileType = data[0]
	fs.FileOption = data[1]
	fs.AR1 = data[2]
	fs.AR2 = data[3]
	fs.Size = int(readU24le(data, 4))
	fs.RawData = append([]byte(nil), data...)

	idx := 7
	if !fs.SDMEnabled() {
		return fs, nil
	}
	if len(data) < idx+3 {
		return nil, errors.New("file settings missing SDM fields")
	}
	fs.SDMOptions = data[idx]
	fs.SDMCtr = data[idx+1] & 0x0F
	fs.SDMMeta = data[idx+2] >> 4
	fs.SDMFile = data[idx+2] & 0x0F
	idx += 3

	next := func(name string) (uint32, error) {
		if len(data) < idx+3 {
			return 0, fmt.Errorf("file settings missing %s", name)
		}
		v := readU24le(data, idx)
		idx += 3
		return v, nil
	}
	var err error
	if fs.SDMOptions&SDMOptUID != 0 && fs.SDMMeta == AccessFree {
		if fs.UIDOffset, err = next("UIDOffset"); err != nil {
			return nil, err
		}
	}
	if fs.SDMOptions&SDMOptReadCtr != 0 && fs.SDMMeta == AccessFree {
		if fs.CtrOffset, err = next("CtrOffset"); err != nil {
			return nil, err
		}
	}
	if isKeyNo(fs.SDMMeta) {
		if fs.PICCDataOffset, err = next("PICCDataOffset"); err != nil {
			return nil, err
		}
	}
	if fs.SDMFile != AccessDenied {
		if fs.MACInputOffset, err = next("MACInputOffset"); err != nil {
			return nil, err
		}
		if fs.SDMOptions&SDMOptEncFileData != 0 {
			if fs.ENCOffset, err = next("ENCOffset"); err != nil {
				return nil, err
			}
			if fs.ENCLength, err = next("ENCLength"); err != nil {
				return nil, err
			}
		}
		if fs.MACOffset, err = next("MACOffset"); err != nil {
			return nil, err
		}
	}
	if fs.SDMOptions&SDMOptReadCtrLimit != 0 {
		if fs.CtrLimit, err = next("CtrLimit"); err != nil {
			return nil, err
		}
	}
	if idx != len(data) {
		return nil, fmt.Errorf("file settings has %d trailing bytes", len(data)-idx)
	}
	return fs, nil
}

// GetFileSettingsPlain retrieves file settings without authentication.
// Le must be 0x00; specific Le values cause SW=917E.
func GetFileSettingsPlain(card Card, fileNo byte) (*FileSettings, error) {
	resp, sw, err := sendPlain(card, GetFileSettingsCmd{FileNo: fileNo})
	if err != nil {
		return nil, err
	}
	if !SwOK(sw) {
		return nil, &SWError{Cmd: insGetFileSettings, SW: sw}
	}
	slog.Debug("GetFileSettings plain", "file_no", fmt.Sprintf("%02X", fileNo), "resp_len", len(resp))
	return ParseFileSettings(resp)
}

// GetFileSettings retrieves file settings in MAC mode over the session.
func (s *Session) GetFileSettings(fileNo byte) (*FileSettings, error) {
	out, err := s.Exec(GetFileSettingsCmd{FileNo: fileNo, Comm: CommMAC})
	if err != nil {
		return nil, fmt.Errorf("get file settings %d: %w", fileNo, err)
	}
	return ParseFileSettings(out)
}

// ChangeFileSettings sends cfg, fully enciphered, over the session.
func (s *Session) ChangeFileSettings(cfg *SDMConfig) error {
	cmd, err := cfg.Command(CommFull)
	if err != nil {
		return err
	}
	if _, err := s.Exec(cmd); err != nil {
		return fmt.Errorf("change file settings %d: %w", cfg.FileNo, err)
	}
	slog.Debug("file settings changed",
		"file_no", cfg.FileNo,
		"sdm", cfg.Enabled,
		"options", fmt.Sprintf("0x%02X", cfg.Options()))
	return nil
}

// ChangeFileSettingsPlain sends cfg without secure messaging. The tag only
// accepts this when the file's change access right is free.
func ChangeFileSettingsPlain(card Card, cfg *SDMConfig) error {
	cmd, err := cfg.Command(CommPlain)
	if err != nil {
		return err
	}
	_, sw, err := sendPlain(card, cmd)
	if err != nil {
		return err
	}
	if !SwOK(sw) {
		return &SWError{Cmd: insChangeFileSet, SW: sw}
	}
	return nil
}

// GetFileCounters returns the SDM read counter of fileNo.
func (s *Session) GetFileCounters(fileNo byte) (uint32, error) {
	out, err := s.Exec(GetFileCountersCmd{FileNo: fileNo})
	if err != nil {
		return 0, fmt.Errorf("get file counters %d: %w", fileNo, err)
	}
	// SDMReadCtr(3) || Reserved(2)
	if len(out) < 3 {
		return 0, &IntegrityError{Reason: fmt.Sprintf("file counters response too short (%d bytes)", len(out))}
	}
	return readU24le(out, 0), nil
}
