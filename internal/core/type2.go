package core

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/ndef"
)

// ErrTagFull is returned when a message does not fit the tag's data area.
var ErrTagFull = errors.New("message exceeds tag data area")

// ErrTagMoved is returned by Connect when a different tag (or none) is on the reader.
var ErrTagMoved = errors.New("tag is no longer present")

const (
	ccMagic       = 0xE1
	ccVersion     = 0x10
	ccPage        = 3
	firstNDEFPage = 4
)

// pcRID is the PC/SC registered application provider ID followed by the
// contactless PIX prefix in storage-card ATRs (PC/SC part 3, 3.1.3.2.3).
var pcRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

// cardName values from the PC/SC storage-card ATR.
const (
	cardNameClassic1K  = 0x0001
	cardNameClassic4K  = 0x0002
	cardNameUltralight = 0x0003
)

// atrInfo is what a contactless storage-card ATR tells us.
type atrInfo struct {
	family   Family
	cardName uint16
}

// parseATR extracts the technology family and card name from a PC/SC
// contactless ATR: 3B 8F 80 01 80 4F 0C A0 00 00 03 06 SS NN NN ...
func parseATR(atr []byte) atrInfo {
	info := atrInfo{family: FamilyNFCA}
	i := bytes.Index(atr, pcRID)
	if i < 0 || len(atr) < i+len(pcRID)+3 {
		return info
	}
	ss := atr[i+len(pcRID)]
	info.cardName = uint16(atr[i+len(pcRID)+1])<<8 | uint16(atr[i+len(pcRID)+2])
	switch {
	case ss >= 0x01 && ss <= 0x04:
		info.family = FamilyNFCA
	case ss >= 0x05 && ss <= 0x08:
		info.family = FamilyNFCB
	case ss >= 0x09 && ss <= 0x0C:
		info.family = FamilyNFCV
	case ss == 0x11:
		info.family = FamilyNFCF
	}
	return info
}

// type2Model maps GET_VERSION product/storage bytes to a name and data area.
func type2Model(productType, storageSize byte) (name string, dataArea int, ok bool) {
	switch productType {
	case 0x04: // NTAG family
		switch storageSize {
		case 0x0F:
			return "NTAG213", 144, true
		case 0x11:
			return "NTAG215", 496, true
		case 0x13:
			return "NTAG216", 872, true
		}
	case 0x03: // MIFARE Ultralight family
		switch storageSize {
		case 0x0B:
			return "MIFARE Ultralight EV1", 48, true
		case 0x0E:
			return "MIFARE Ultralight EV1", 128, true
		default:
			return "MIFARE Ultralight", 48, true
		}
	}
	return "", 0, false
}

// type2Tag is an NFC Forum Type 2 tag (NTAG21x, Ultralight) behind a PC/SC reader.
type type2Tag struct {
	ctx      SmartCardContext
	reader   string
	uid      string
	typeName string
	family   Family

	// Capability container as read at detection. cc[0] == 0xE1 means formatted.
	cc       [4]byte
	ccRead   bool
	dataArea int
}

// probeTag connects to the card on reader and classifies it. The returned
// tag owns no connection; technologies reconnect on Connect.
func probeTag(ctx SmartCardContext, reader string, atr []byte) (Tag, error) {
	card, err := ctx.Connect(reader)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := card.Disconnect(); err != nil {
			logging.Debug(logging.CatReader, "Disconnect after probe failed", map[string]any{
				"reader": reader,
				"error":  err.Error(),
			})
		}
	}()

	if len(atr) == 0 {
		if st, err := card.Status(); err == nil {
			atr = st.Atr
		}
	}

	uid, err := readUID(card)
	if err != nil {
		return nil, err
	}

	info := parseATR(atr)
	t := &type2Tag{
		ctx:    ctx,
		reader: reader,
		uid:    uid,
		family: info.family,
	}

	defer func() {
		logging.Debug(logging.CatReader, "Tag probed", map[string]any{
			"uid":      t.uid,
			"type":     t.typeName,
			"family":   t.family.String(),
			"atr":      hex.EncodeToString(atr),
			"cc":       hex.EncodeToString(t.cc[:]),
			"dataArea": t.dataArea,
		})
	}()

	if info.family != FamilyNFCA || info.cardName == cardNameClassic1K || info.cardName == cardNameClassic4K {
		// MIFARE Classic and non-A cards have no Type 2 memory map.
		t.typeName = "unsupported"
		return &unsupportedTag{uid: uid, family: info.family}, nil
	}

	if name, area, ok := getVersion(card); ok {
		t.typeName = name
		t.dataArea = area
	} else if info.cardName == cardNameUltralight {
		// Plain Ultralight does not answer GET_VERSION.
		t.typeName = "MIFARE Ultralight"
		t.dataArea = 48
	}

	if cc, err := readPage(card, ccPage); err == nil {
		copy(t.cc[:], cc)
		t.ccRead = true
		if t.cc[0] == ccMagic {
			t.dataArea = int(t.cc[2]) * 8
			if t.typeName == "" {
				t.typeName = "NFC Forum Type 2"
			}
		}
	}

	if t.typeName == "" {
		t.typeName = "unsupported"
		return &unsupportedTag{uid: uid, family: info.family}, nil
	}
	return t, nil
}

func (t *type2Tag) UID() string    { return t.uid }
func (t *type2Tag) Type() string   { return t.typeName }
func (t *type2Tag) Family() Family { return t.family }

func (t *type2Tag) formatted() bool {
	return t.cc[0] == ccMagic
}

func (t *type2Tag) blank() bool {
	return t.ccRead && t.cc == [4]byte{} && t.dataArea > 0
}

func (t *type2Tag) Ndef() (NdefTech, bool) {
	if !t.formatted() {
		return nil, false
	}
	return &type2Ndef{conn: type2Conn{tag: t}}, true
}

func (t *type2Tag) Formatable() (FormatableTech, bool) {
	if !t.blank() {
		return nil, false
	}
	return &type2Formatable{conn: type2Conn{tag: t}}, true
}

// type2Conn is one exclusive connection to the tag.
type type2Conn struct {
	tag  *type2Tag
	card SmartCard
}

func (c *type2Conn) connect() error {
	if c.card != nil {
		return nil
	}
	card, err := c.tag.ctx.Connect(c.tag.reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTagMoved, err)
	}
	uid, err := readUID(card)
	if err != nil || uid != c.tag.uid {
		_ = card.Disconnect()
		return ErrTagMoved
	}
	c.card = card
	return nil
}

func (c *type2Conn) close() error {
	if c.card == nil {
		return nil
	}
	err := c.card.Disconnect()
	c.card = nil
	return err
}

func (c *type2Conn) writeMessage(message []byte) error {
	if c.card == nil {
		return errors.New("not connected")
	}
	tlv := ndef.WrapTLV(message)
	if len(tlv) > c.tag.dataArea {
		return fmt.Errorf("%w: %d > %d bytes", ErrTagFull, len(tlv), c.tag.dataArea)
	}
	return writePages(c.card, firstNDEFPage, tlv)
}

type type2Ndef struct {
	conn     type2Conn
	writable bool
	maxSize  int
}

func (n *type2Ndef) Connect() error {
	if err := n.conn.connect(); err != nil {
		return err
	}
	cc, err := readPage(n.conn.card, ccPage)
	if err != nil {
		_ = n.conn.close()
		return fmt.Errorf("failed to read capability container: %w", err)
	}
	if cc[0] != ccMagic {
		_ = n.conn.close()
		return fmt.Errorf("capability container magic %02X, want %02X", cc[0], ccMagic)
	}
	n.conn.tag.dataArea = int(cc[2]) * 8
	// Low nibble of the access byte: 0x0 grants write access, 0xF denies it.
	n.writable = cc[3]&0x0F == 0x00
	n.maxSize = ndef.MaxMessageSize(n.conn.tag.dataArea)
	return nil
}

func (n *type2Ndef) Close() error                      { return n.conn.close() }
func (n *type2Ndef) IsWritable() bool                  { return n.writable }
func (n *type2Ndef) MaxSize() int                      { return n.maxSize }
func (n *type2Ndef) WriteMessage(message []byte) error { return n.conn.writeMessage(message) }

type type2Formatable struct {
	conn type2Conn
}

func (f *type2Formatable) Connect() error { return f.conn.connect() }
func (f *type2Formatable) Close() error   { return f.conn.close() }

// Format writes the capability container and then the message. The size
// check runs first so a message that cannot fit leaves the tag blank.
func (f *type2Formatable) Format(message []byte) error {
	if f.conn.card == nil {
		return errors.New("not connected")
	}
	if ndef.TLVSize(len(message)) > f.conn.tag.dataArea {
		return fmt.Errorf("%w: %d > %d bytes", ErrTagFull, ndef.TLVSize(len(message)), f.conn.tag.dataArea)
	}
	cc := []byte{ccMagic, ccVersion, byte(f.conn.tag.dataArea / 8), 0x00}
	if err := writePages(f.conn.card, ccPage, cc); err != nil {
		return fmt.Errorf("failed to write capability container: %w", err)
	}
	copy(f.conn.tag.cc[:], cc)
	return f.conn.writeMessage(message)
}

// unsupportedTag was detected but offers neither technology.
type unsupportedTag struct {
	uid    string
	family Family
}

func (u *unsupportedTag) UID() string                        { return u.uid }
func (u *unsupportedTag) Type() string                       { return "unsupported" }
func (u *unsupportedTag) Family() Family                     { return u.family }
func (u *unsupportedTag) Ndef() (NdefTech, bool)             { return nil, false }
func (u *unsupportedTag) Formatable() (FormatableTech, bool) { return nil, false }

// unreadableTag is a tag that was detected but failed identification. Its
// technology reports the identification error on Connect.
type unreadableTag struct {
	family Family
	err    error
}

func (u *unreadableTag) UID() string    { return "" }
func (u *unreadableTag) Type() string   { return "unreadable" }
func (u *unreadableTag) Family() Family { return u.family }

func (u *unreadableTag) Ndef() (NdefTech, bool) {
	return unreadableTech{err: u.err}, true
}

func (u *unreadableTag) Formatable() (FormatableTech, bool) { return nil, false }

type unreadableTech struct {
	err error
}

func (t unreadableTech) Connect() error {
	return fmt.Errorf("tag could not be identified: %w", t.err)
}

func (unreadableTech) Close() error              { return nil }
func (unreadableTech) IsWritable() bool          { return false }
func (unreadableTech) MaxSize() int              { return 0 }
func (unreadableTech) WriteMessage([]byte) error { return ErrTagMoved }

func statusOK(rsp []byte) bool {
	return len(rsp) >= 2 && rsp[len(rsp)-2] == 0x90 && rsp[len(rsp)-1] == 0x00
}

// readUID sends FF CA 00 00 00, the PC/SC pseudo-APDU for the card UID.
func readUID(card SmartCard) (string, error) {
	rsp, err := card.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		return "", fmt.Errorf("failed to transmit get UID command: %w", err)
	}
	if !statusOK(rsp) || len(rsp) < 3 {
		return "", fmt.Errorf("get UID failed with response %x", rsp)
	}
	return hex.EncodeToString(rsp[:len(rsp)-2]), nil
}

// getVersion tries both GET_VERSION passthrough encodings; readers differ in
// which one they accept.
func getVersion(card SmartCard) (name string, dataArea int, ok bool) {
	for _, cmd := range [][]byte{
		{0xFF, 0x00, 0x00, 0x00, 0x02, 0x60, 0x00},
		{0xFF, 0x00, 0x00, 0x00, 0x01, 0x60},
	} {
		rsp, err := card.Transmit(cmd)
		if err != nil || len(rsp) < 10 || !statusOK(rsp) {
			continue
		}
		// [header, vendor, productType, subtype, major, minor, storage, protocol, SW1, SW2]
		// Tags without GET_VERSION may answer garbage with 9000; the header must be 0x00.
		if rsp[0] != 0x00 {
			logging.Debug(logging.CatReader, "Invalid GET_VERSION header, ignoring", map[string]any{
				"response": hex.EncodeToString(rsp),
			})
			continue
		}
		if name, area, ok := type2Model(rsp[2], rsp[6]); ok {
			return name, area, true
		}
	}
	return "", 0, false
}

// readPage reads one 4-byte page with READ BINARY.
func readPage(card SmartCard, page int) ([]byte, error) {
	rsp, err := card.Transmit([]byte{0xFF, 0xB0, 0x00, byte(page), 0x10})
	if err != nil {
		return nil, err
	}
	if !statusOK(rsp) || len(rsp) < 6 {
		return nil, fmt.Errorf("read page %d failed with response %x", page, rsp)
	}
	return rsp[:4], nil
}

// writePages writes data to consecutive 4-byte pages starting at startPage.
// Each page is tried with the raw WRITE command, UPDATE BINARY, and the
// ACR122U InCommunicateThru wrapper, in that order.
func writePages(card SmartCard, startPage int, data []byte) error {
	for len(data)%4 != 0 {
		data = append(data, 0x00)
	}

	for i := 0; i < len(data); i += 4 {
		pageNum := startPage + i/4
		pageData := data[i : i+4]
		if err := writePage(card, pageNum, pageData); err != nil {
			return err
		}
	}
	return nil
}

func writePage(card SmartCard, pageNum int, pageData []byte) error {
	// Method 0: raw NTAG WRITE passed through by some readers, ACK is 0x0A.
	rawCmd := append([]byte{0xA2, byte(pageNum)}, pageData...)
	rsp, err := card.Transmit(rawCmd)
	if err == nil && len(rsp) >= 1 && (rsp[0] == 0x0A || statusOK(rsp)) {
		logPageWritten(pageNum, pageData, 0)
		return nil
	}

	// Method 1: UPDATE BINARY, FF D6 00 [page] 04 [4 bytes].
	writeCmd := append([]byte{0xFF, 0xD6, 0x00, byte(pageNum), 0x04}, pageData...)
	rsp, err = card.Transmit(writeCmd)
	if err == nil && statusOK(rsp) {
		logPageWritten(pageNum, pageData, 1)
		return nil
	}
	lastErr := err

	// Method 2: ACR122U InCommunicateThru with native WRITE, FF 00 00 00 08 D4 42 A2 [page] [4 bytes].
	directCmd := append([]byte{0xFF, 0x00, 0x00, 0x00, 0x08, 0xD4, 0x42, 0xA2, byte(pageNum)}, pageData...)
	rsp, err = card.Transmit(directCmd)
	if err == nil && statusOK(rsp) {
		// Inner status when present: D5 43 XX.
		if len(rsp) >= 3 && rsp[0] == 0xD5 && rsp[1] == 0x43 && rsp[2] != 0x00 {
			return fmt.Errorf("write failed at page %d: card error %02X", pageNum, rsp[2])
		}
		logPageWritten(pageNum, pageData, 2)
		return nil
	}
	if err != nil {
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("write failed at page %d: %w", pageNum, lastErr)
	}
	return fmt.Errorf("write failed at page %d: no supported method worked", pageNum)
}

func logPageWritten(page int, data []byte, method int) {
	logging.Debug(logging.CatTag, "NDEF page written", map[string]any{
		"page":   page,
		"data":   hex.EncodeToString(data),
		"method": method,
	})
}
