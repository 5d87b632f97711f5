package core

import "strings"

// Family is a bit set of proximity technology families a reader polls for.
type Family uint8

const (
	FamilyNFCA Family = 1 << iota
	FamilyNFCB
	FamilyNFCF
	FamilyNFCV
	FamilyBarcode

	// AllFamilies requests every family; the tag technology is unknown
	// until a tag is detected.
	AllFamilies = FamilyNFCA | FamilyNFCB | FamilyNFCF | FamilyNFCV | FamilyBarcode
)

// Has reports whether every family in o is in f.
func (f Family) Has(o Family) bool {
	return o != 0 && f&o == o
}

func (f Family) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, n := range []struct {
		f    Family
		name string
	}{
		{FamilyNFCA, "NFC-A"},
		{FamilyNFCB, "NFC-B"},
		{FamilyNFCF, "NFC-F"},
		{FamilyNFCV, "NFC-V"},
		{FamilyBarcode, "barcode"},
	} {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Tag is a detected proximity tag. It exposes at most the two technologies
// a provisioning write can use.
type Tag interface {
	UID() string
	Type() string
	Family() Family
	// Ndef returns the pre-formatted read/write technology, if the tag has one.
	Ndef() (NdefTech, bool)
	// Formatable returns the raw/formattable technology, if the tag has one.
	Formatable() (FormatableTech, bool)
}

// NdefTech is an NDEF-formatted tag. IsWritable and MaxSize are valid after Connect.
type NdefTech interface {
	Connect() error
	Close() error
	IsWritable() bool
	// MaxSize is the largest NDEF message, in bytes, the tag can hold.
	MaxSize() int
	WriteMessage(message []byte) error
}

// FormatableTech is a blank tag that can be formatted for NDEF.
type FormatableTech interface {
	Connect() error
	Close() error
	// Format initializes the tag and stores message in one operation.
	Format(message []byte) error
}
