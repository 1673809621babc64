// Package dimse implements the DICOM upper layer protocol: PDU framing,
// association negotiation, presentation data fragmentation, and the DIMSE
// command sets exchanged over negotiated presentation contexts.
package dimse

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/openaxial/dicomgw/go/dicom"
)

// PDU types of the upper layer protocol.
const (
	PDUAssociateRQ byte = 0x01
	PDUAssociateAC byte = 0x02
	PDUAssociateRJ byte = 0x03
	PDUPDataTF     byte = 0x04
	PDUReleaseRQ   byte = 0x05
	PDUReleaseRP   byte = 0x06
	PDUAbort       byte = 0x07
)

const protocolVersion uint16 = 0x0001

// DefaultMaxPDULength is advertised when negotiating and assumed when a peer
// does not state its own limit.
const DefaultMaxPDULength uint32 = 16384

// maxPDUBody bounds any single PDU body we are willing to buffer.
const maxPDUBody = 16 << 20

// ReadPDU reads one PDU, returning its type and body.
func ReadPDU(r io.Reader) (byte, []byte, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	var length = binary.BigEndian.Uint32(hdr[2:])
	if length > maxPDUBody {
		return 0, nil, fmt.Errorf("PDU length %d exceeds the %d byte limit", length, maxPDUBody)
	}
	var body = make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("reading PDU body: %w", err)
	}
	return hdr[0], body, nil
}

// WritePDU writes one PDU of the given type.
func WritePDU(w io.Writer, pduType byte, body []byte) error {
	var hdr [6]byte
	hdr[0] = pduType
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	var _, err = w.Write(body)
	return err
}

// PresentationContext is one proposed context of an A-ASSOCIATE-RQ.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociateRQ is an A-ASSOCIATE-RQ body.
type AssociateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []PresentationContext
	MaxPDULength   uint32
}

// Presentation context negotiation results, per PS3.8 table 9-18.
const (
	ContextAccepted               byte = 0x00
	ContextAbstractSyntaxRejected byte = 0x03
	ContextTransferSyntaxRejected byte = 0x04
)

// PresentationResult is one negotiated context of an A-ASSOCIATE-AC.
type PresentationResult struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// Accepted reports whether the context was accepted by the peer.
func (r PresentationResult) Accepted() bool { return r.Result == ContextAccepted }

// AssociateAC is an A-ASSOCIATE-AC body.
type AssociateAC struct {
	CalledAETitle  string
	CallingAETitle string
	Results        []PresentationResult
	MaxPDULength   uint32
}

// Association item types.
const (
	itemApplicationContext     byte = 0x10
	itemPresentationContextRQ  byte = 0x20
	itemPresentationContextAC  byte = 0x21
	itemAbstractSyntax         byte = 0x30
	itemTransferSyntax         byte = 0x40
	itemUserInformation        byte = 0x50
	itemMaxLength              byte = 0x51
	itemImplementationClassUID byte = 0x52
	itemImplementationVersion  byte = 0x55
)

func (rq *AssociateRQ) Encode() []byte {
	var body = encodeAssociateHeader(rq.CalledAETitle, rq.CallingAETitle)
	body = appendItem(body, itemApplicationContext, []byte(dicom.ApplicationContextUID))
	for _, pc := range rq.Contexts {
		var inner = []byte{pc.ID, 0, 0, 0}
		inner = appendItem(inner, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			inner = appendItem(inner, itemTransferSyntax, []byte(ts))
		}
		body = appendItem(body, itemPresentationContextRQ, inner)
	}
	return appendItem(body, itemUserInformation, encodeUserInfo(rq.MaxPDULength))
}

// ParseAssociateRQ decodes an A-ASSOCIATE-RQ body.
func ParseAssociateRQ(body []byte) (*AssociateRQ, error) {
	var fixed, items, err = splitAssociateBody(body)
	if err != nil {
		return nil, err
	}
	var rq = &AssociateRQ{
		CalledAETitle:  trimAETitle(fixed[4:20]),
		CallingAETitle: trimAETitle(fixed[20:36]),
	}
	err = eachItem(items, func(itemType byte, value []byte) error {
		switch itemType {
		case itemPresentationContextRQ:
			var pc, err = parsePresentationContextRQ(value)
			if err != nil {
				return err
			}
			rq.Contexts = append(rq.Contexts, pc)
		case itemUserInformation:
			rq.MaxPDULength = parseUserInfo(value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rq.MaxPDULength == 0 {
		rq.MaxPDULength = DefaultMaxPDULength
	}
	return rq, nil
}

func (ac *AssociateAC) Encode() []byte {
	var body = encodeAssociateHeader(ac.CalledAETitle, ac.CallingAETitle)
	body = appendItem(body, itemApplicationContext, []byte(dicom.ApplicationContextUID))
	for _, res := range ac.Results {
		var inner = []byte{res.ID, 0, res.Result, 0}
		inner = appendItem(inner, itemTransferSyntax, []byte(res.TransferSyntax))
		body = appendItem(body, itemPresentationContextAC, inner)
	}
	return appendItem(body, itemUserInformation, encodeUserInfo(ac.MaxPDULength))
}

// ParseAssociateAC decodes an A-ASSOCIATE-AC body.
func ParseAssociateAC(body []byte) (*AssociateAC, error) {
	var fixed, items, err = splitAssociateBody(body)
	if err != nil {
		return nil, err
	}
	var ac = &AssociateAC{
		CalledAETitle:  trimAETitle(fixed[4:20]),
		CallingAETitle: trimAETitle(fixed[20:36]),
	}
	err = eachItem(items, func(itemType byte, value []byte) error {
		switch itemType {
		case itemPresentationContextAC:
			if len(value) < 4 {
				return fmt.Errorf("presentation context item of %d bytes", len(value))
			}
			var res = PresentationResult{ID: value[0], Result: value[2]}
			_ = eachItem(value[4:], func(sub byte, subValue []byte) error {
				if sub == itemTransferSyntax && res.TransferSyntax == "" {
					res.TransferSyntax = trimUID(subValue)
				}
				return nil
			})
			ac.Results = append(ac.Results, res)
		case itemUserInformation:
			ac.MaxPDULength = parseUserInfo(value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ac.MaxPDULength == 0 {
		ac.MaxPDULength = DefaultMaxPDULength
	}
	return ac, nil
}

// Association rejection codes used by the receiver, per PS3.8 table 9-21.
const (
	RejectResultPermanent                  byte = 1
	RejectSourceServiceUser                byte = 1
	RejectReasonCalledAETitleNotRecognized byte = 7
)

// Rejection is an A-ASSOCIATE-RJ body. It doubles as the error returned to
// callers whose association request was refused.
type Rejection struct {
	Result byte
	Source byte
	Reason byte
}

func (r Rejection) Error() string {
	return fmt.Sprintf("association rejected (result %d, source %d, reason %d)", r.Result, r.Source, r.Reason)
}

func (r Rejection) Encode() []byte {
	return []byte{0, r.Result, r.Source, r.Reason}
}

// ParseRejection decodes an A-ASSOCIATE-RJ body.
func ParseRejection(body []byte) (Rejection, error) {
	if len(body) < 4 {
		return Rejection{}, fmt.Errorf("rejection PDU of %d bytes", len(body))
	}
	return Rejection{Result: body[1], Source: body[2], Reason: body[3]}, nil
}

// ReleaseBody is the body of both A-RELEASE-RQ and A-RELEASE-RP.
func ReleaseBody() []byte { return make([]byte, 4) }

// AbortBody encodes an A-ABORT with the given source and reason.
func AbortBody(source, reason byte) []byte {
	return []byte{0, 0, source, reason}
}

func encodeAssociateHeader(calledAE, callingAE string) []byte {
	var body = make([]byte, 0, 128)
	body = binary.BigEndian.AppendUint16(body, protocolVersion)
	body = append(body, 0, 0)
	body = appendAETitle(body, calledAE)
	body = appendAETitle(body, callingAE)
	return append(body, make([]byte, 32)...)
}

// splitAssociateBody validates the fixed 68-byte associate header and returns
// it along with the trailing variable items.
func splitAssociateBody(body []byte) ([]byte, []byte, error) {
	if len(body) < 68 {
		return nil, nil, fmt.Errorf("associate PDU of %d bytes", len(body))
	}
	if v := binary.BigEndian.Uint16(body); v&protocolVersion == 0 {
		return nil, nil, fmt.Errorf("unsupported protocol version %#04x", v)
	}
	return body[:68], body[68:], nil
}

func parsePresentationContextRQ(value []byte) (PresentationContext, error) {
	if len(value) < 4 {
		return PresentationContext{}, fmt.Errorf("presentation context item of %d bytes", len(value))
	}
	var pc = PresentationContext{ID: value[0]}
	var err = eachItem(value[4:], func(sub byte, subValue []byte) error {
		switch sub {
		case itemAbstractSyntax:
			pc.AbstractSyntax = trimUID(subValue)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(subValue))
		}
		return nil
	})
	return pc, err
}

func encodeUserInfo(maxPDU uint32) []byte {
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	var maxLen [4]byte
	binary.BigEndian.PutUint32(maxLen[:], maxPDU)
	var ui []byte
	ui = appendItem(ui, itemMaxLength, maxLen[:])
	ui = appendItem(ui, itemImplementationClassUID, []byte(dicom.ImplementationClassUID))
	ui = appendItem(ui, itemImplementationVersion, []byte(dicom.ImplementationVersionName))
	return ui
}

func parseUserInfo(value []byte) (maxPDU uint32) {
	_ = eachItem(value, func(sub byte, subValue []byte) error {
		if sub == itemMaxLength && len(subValue) == 4 {
			maxPDU = binary.BigEndian.Uint32(subValue)
		}
		return nil
	})
	return maxPDU
}

// eachItem iterates the TLV items of an association PDU section.
func eachItem(buf []byte, fn func(itemType byte, value []byte) error) error {
	for len(buf) > 0 {
		if len(buf) < 4 {
			return fmt.Errorf("truncated item header (%d bytes remain)", len(buf))
		}
		var length = int(binary.BigEndian.Uint16(buf[2:4]))
		if length > len(buf)-4 {
			return fmt.Errorf("item length %d exceeds remaining %d bytes", length, len(buf)-4)
		}
		if err := fn(buf[0], buf[4:4+length]); err != nil {
			return err
		}
		buf = buf[4+length:]
	}
	return nil
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func appendAETitle(buf []byte, title string) []byte {
	if len(title) > 16 {
		title = title[:16]
	}
	buf = append(buf, title...)
	for i := len(title); i < 16; i++ {
		buf = append(buf, ' ')
	}
	return buf
}

func trimAETitle(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

func trimUID(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
