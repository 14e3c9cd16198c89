/*
Package ntag424 talks to NXP NTAG 424 DNA tags over an APDU transport.

It provides:
  - EV2First and EV2NonFirst authentication with session key derivation
  - Secure messaging in plain, MAC and fully enciphered modes (Session)
  - ChangeKey cryptograms for the authenticating key and for other slots
  - SDM (Secure Dynamic Messaging) settings: build, validate, parse, verify
  - NDEF templates for plain and enciphered mirroring
  - GetVersion, GetFileSettings, GetFileCounters, ISO reads
  - A PC/SC connection wrapper

# Commands

Every native command is a value of the closed Command type (AuthPhase1,
AuthPhase2, AdditionalFrame, ChangeKeyCmd, ChangeFileSettingsCmd,
GetFileSettingsCmd, GetFileCountersCmd, GetVersionCmd, GetKeyVersionCmd,
WriteDataCmd, ReadDataCmd). They are framed as

	90 INS 00 00 Lc <body> 00

and answered with <data> SW1 SW2. SW=91AF means another frame follows;
it is fetched with 90 AF 00 00 00.

# Sessions

A Session is produced only by a successful authentication. Command n of a
session is MACed and enciphered with CmdCtr=n, its response with n+1:

	IV    = E(Kenc, A5 5A || TI || CmdCtr LE || 00*8)    command
	IV    = E(Kenc, 5A A5 || TI || CmdCtr LE || 00*8)    response
	MAC   = CMAC(Kmac, INS || CmdCtr LE || TI || header || data)
	MACt  = MAC[1], MAC[3], ... MAC[15]

Any transport failure, status word error, MAC mismatch or bad padding
poisons the session. Changing the key the session authenticated with
consumes it. In both cases a new authentication is required.

# Access Rights Encoding

The 16-bit access rights value is organized (MSB→LSB) as:

	[Read | Write | ReadWrite | ChangeAccessRights]

and stored little-endian, so the wire bytes are

	AR1 = [ReadWrite | Change]
	AR2 = [Read      | Write ]

Nibble values:

	0x0-0x4 = key slot number
	0xE     = free (no authentication needed)
	0xF     = denied (operation never permitted)

The SDM access rights follow the same scheme:

	SDMAR1 = [RFU (F) | CtrRetrieval]
	SDMAR2 = [MetaRead | FileRead]

# File Map

NTAG 424 DNA has three files in the NDEF application (AID D2760000850101):

	File 1 (E103)  Capability Container, 32 bytes
	File 2 (E104)  NDEF file, 256 bytes, the SDM target
	File 3 (E105)  Proprietary data, 128 bytes

# SDM Settings Layout

ChangeFileSettings data after the file number:

	FileOption(1) AR(2) [SDMOptions(1) SDMAR(2) offsets...]

with each 3-byte little-endian offset present only under its condition:

	UIDOffset         SDMOptions.bit7 and MetaRead = E
	ReadCtrOffset     SDMOptions.bit6 and MetaRead = E
	PICCDataOffset    MetaRead = 0..4
	MACInputOffset    FileRead != F
	ENCOffset/Length  FileRead != F and SDMOptions.bit4
	MACOffset         FileRead != F
	ReadCtrLimit      SDMOptions.bit5

A wrong field set is answered with SW=917E; wrong values with SW=919E.

# Fail States

	SW=9100  Success
	SW=91AF  Additional frame expected
	SW=911E  Integrity error (bad MAC, CRC or padding)
	SW=917E  Length error
	SW=91AE  Authentication error (wrong key for slot)
	SW=91AD  Authentication delay: the tag is rate limiting, back off
	SW=919D  Permission denied
	SW=919E  Parameter error
	SW=911C  Boundary error
	SW=91CA  Command aborted (stale multi-frame state)
	SW=6982  Security status not satisfied

CRITICAL: SelectNDEFApp or SelectFile INVALIDATES the session.
Always select BEFORE authenticating, or re-authenticate after selecting.
*/
package ntag424
