package ntag424

import "fmt"

// SessionKeys are the per-authentication AES keys for secure messaging.
type SessionKeys struct {
	Enc [16]byte
	MAC [16]byte
}

func (k *SessionKeys) zero() {
	zero(k.Enc[:])
	zero(k.MAC[:])
}

// sessionVector builds SV1/SV2:
//
//	label(2) 00 01 00 80 || RndA[0:2] || RndA[2:8]^RndB[0:6] || RndB[6:16] || RndA[8:16]
func sessionVector(label0, label1 byte, rndA, rndB []byte) []byte {
	sv := make([]byte, 32)
	sv[0], sv[1] = label0, label1
	sv[2], sv[3], sv[4], sv[5] = 0x00, 0x01, 0x00, 0x80
	copy(sv[6:8], rndA[:2])
	for i := 0; i < 6; i++ {
		sv[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv[14:24], rndB[6:16])
	copy(sv[24:32], rndA[8:16])
	return sv
}

// DeriveSessionKeys derives Kenc = CMAC(key, SV1) and Kmac = CMAC(key, SV2)
// from the long-term key and the unrotated handshake randoms.
func DeriveSessionKeys(key, rndA, rndB []byte) (SessionKeys, error) {
	var sk SessionKeys
	if len(key) != 16 || len(rndA) != 16 || len(rndB) != 16 {
		return sk, fmt.Errorf("derive session keys: key, rndA and rndB must be 16 bytes (got %d/%d/%d)", len(key), len(rndA), len(rndB))
	}
	enc, err := aesCMAC(key, sessionVector(0xA5, 0x5A, rndA, rndB))
	if err != nil {
		return sk, err
	}
	mac, err := aesCMAC(key, sessionVector(0x5A, 0xA5, rndA, rndB))
	if err != nil {
		return sk, err
	}
	copy(sk.Enc[:], enc)
	copy(sk.MAC[:], mac)
	return sk, nil
}
