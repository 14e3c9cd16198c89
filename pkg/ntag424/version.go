package ntag424

import "fmt"

// TagVersion holds the hardware and software version information from GetVersion.
type TagVersion struct {
	HWVendorID    byte   // Hardware vendor ID
	HWType        byte   // Hardware type
	HWSubType     byte   // Hardware subtype
	HWMajorVer    byte   // Hardware major version
	HWMinorVer    byte   // Hardware minor version
	HWStorageSize byte   // Hardware storage size
	HWProtocol    byte   // Hardware protocol
	SWVendorID    byte   // Software vendor ID
	SWType        byte   // Software type
	SWSubType     byte   // Software subtype
	SWMajorVer    byte   // Software major version
	SWMinorVer    byte   // Software minor version
	SWStorageSize byte   // Software storage size
	SWProtocol    byte   // Software protocol
	UID           []byte // 7-byte UID
	BatchNo       []byte // 5-byte batch number
	FabKey        byte   // Fabrication key
	ProdYear      byte   // Production year (BCD)
	ProdWeek      byte   // Production week (nibble)
}

// GetVersion retrieves the tag version with GetVersion (INS 0x60). The tag
// answers in three frames chained by SW=91AF: 7 bytes hardware, 7 bytes
// software, 14 bytes production data.
func GetVersion(card Card) (*TagVersion, error) {
	resp, sw, err := exchangeChained(card, GetVersionCmd{})
	if err != nil {
		return nil, err
	}
	if !SwOK(sw) {
		return nil, &SWError{Cmd: insGetVersion, SW: sw}
	}
	// Some tags append FabKeyID/extra bytes; 28 is the minimum.
	if len(resp) < 28 {
		return nil, fmt.Errorf("GetVersion returned %d bytes, want at least 28", len(resp))
	}

	v := &TagVersion{
		HWVendorID:    resp[0],
		HWType:        resp[1],
		HWSubType:     resp[2],
		HWMajorVer:    resp[3],
		HWMinorVer:    resp[4],
		HWStorageSize: resp[5],
		HWProtocol:    resp[6],
		SWVendorID:    resp[7],
		SWType:        resp[8],
		SWSubType:     resp[9],
		SWMajorVer:    resp[10],
		SWMinorVer:    resp[11],
		SWStorageSize: resp[12],
		SWProtocol:    resp[13],
		UID:           append([]byte(nil), resp[14:21]...),
		BatchNo:       append([]byte(nil), resp[21:26]...),
		FabKey:        resp[26],
		ProdYear:      resp[27] >> 4,
		ProdWeek:      resp[27] & 0x0F,
	}
	return v, nil
}
