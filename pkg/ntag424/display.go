package ntag424

import (
	"fmt"
	"io"
)

// accessLabel returns a human-readable label for an access rights nibble.
func accessLabel(keyNo byte) string {
	switch keyNo {
	case AccessFree:
		return "free            (no key needed)"
	case AccessDenied:
		return "denied          (never)"
	default:
		return fmt.Sprintf("Key slot %d", keyNo)
	}
}

// FormatFileSettings writes file settings in a human-readable format.
// label is a short tag such as "BEFORE" or "AFTER".
func FormatFileSettings(w io.Writer, label string, fileNo byte, fs *FileSettings) {
	ar := fs.Access()
	fmt.Fprintf(w, "  %s - File %d access rights:    [raw: %02X %02X] comm=%s size=%d\n",
		label, fileNo, fs.AR1, fs.AR2, fs.CommMode(), fs.Size)
	fmt.Fprintf(w, "    Read data:        %s\n", accessLabel(ar.Read))
	fmt.Fprintf(w, "    Write data:       %s\n", accessLabel(ar.Write))
	fmt.Fprintf(w, "    Read+Write:       %s\n", accessLabel(ar.ReadWrite))
	fmt.Fprintf(w, "    Change settings:  %s\n", accessLabel(ar.Change))

	if !fs.SDMEnabled() {
		fmt.Fprintln(w, "  SDM config:                         [disabled]")
		return
	}
	fmt.Fprintf(w, "  SDM config:                         [enabled, opts 0x%02X]\n", fs.SDMOptions)
	fmt.Fprintf(w, "    MAC generation:   %s\n", accessLabel(fs.SDMFile))
	fmt.Fprintf(w, "    Counter read:     %s\n", accessLabel(fs.SDMCtr))
	fmt.Fprintf(w, "    Meta read:        %s\n", accessLabel(fs.SDMMeta))
	if fs.SDMOptions&SDMOptUID != 0 && fs.SDMMeta == AccessFree {
		fmt.Fprintf(w, "    UID offset:       %d\n", fs.UIDOffset)
	}
	if fs.SDMOptions&SDMOptReadCtr != 0 && fs.SDMMeta == AccessFree {
		fmt.Fprintf(w, "    Counter offset:   %d\n", fs.CtrOffset)
	}
	if isKeyNo(fs.SDMMeta) {
		fmt.Fprintf(w, "    PICC offset:      %d\n", fs.PICCDataOffset)
	}
	if fs.SDMFile != AccessDenied {
		fmt.Fprintf(w, "    MAC input offset: %d\n", fs.MACInputOffset)
		if fs.SDMOptions&SDMOptEncFileData != 0 {
			fmt.Fprintf(w, "    ENC offset/len:   %d/%d\n", fs.ENCOffset, fs.ENCLength)
		}
		fmt.Fprintf(w, "    MAC offset:       %d\n", fs.MACOffset)
	}
	if fs.SDMOptions&SDMOptReadCtrLimit != 0 {
		fmt.Fprintf(w, "    Counter limit:    %d\n", fs.CtrLimit)
	}
}
