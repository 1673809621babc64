package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const undefinedLength = 0xFFFFFFFF

// Attributes holds string attribute values pulled from a dataset.
type Attributes map[Tag]string

// GetDefault returns the value of tag, or def when the tag was absent.
func (a Attributes) GetDefault(tag Tag, def string) string {
	if v, ok := a[tag]; ok {
		return v
	}
	return def
}

// ScanAttributes decodes top-level elements of a dataset encoded with
// transferSyntax and returns the values of the requested tags, with string
// padding trimmed. Scanning stops once every requested tag has been seen or
// the pixel-data group is reached. Sequences, including undefined-length
// sequences, are skipped whole.
func ScanAttributes(dataset []byte, transferSyntax string, want ...Tag) (Attributes, error) {
	var explicit bool
	switch transferSyntax {
	case ImplicitVRLittleEndian:
		explicit = false
	case ExplicitVRLittleEndian:
		explicit = true
	default:
		return nil, fmt.Errorf("unsupported transfer syntax %q", transferSyntax)
	}

	var wanted = make(map[Tag]struct{}, len(want))
	for _, t := range want {
		wanted[t] = struct{}{}
	}

	var attrs = make(Attributes, len(want))
	var s = scanner{buf: dataset}
	for len(wanted) > 0 && s.more() {
		var tag, length, err = s.readHeader(explicit)
		if err != nil {
			return nil, err
		}
		if tag.Group >= 0x7FE0 {
			break
		}
		if length == undefinedLength {
			if err = s.skipUndefined(explicit); err != nil {
				return nil, err
			}
			continue
		}
		if _, ok := wanted[tag]; !ok {
			if err = s.skip(int(length)); err != nil {
				return nil, err
			}
			continue
		}
		var value []byte
		if value, err = s.bytes(int(length)); err != nil {
			return nil, err
		}
		attrs[tag] = strings.TrimRight(string(value), " \x00")
		delete(wanted, tag)
	}
	return attrs, nil
}

// scanner walks little-endian encoded data elements.
type scanner struct {
	buf []byte
	off int
}

func (s *scanner) more() bool { return s.off < len(s.buf) }

func (s *scanner) bytes(n int) ([]byte, error) {
	if n < 0 || s.off+n > len(s.buf) {
		return nil, fmt.Errorf("dataset truncated at offset %d", s.off)
	}
	var b = s.buf[s.off : s.off+n]
	s.off += n
	return b, nil
}

func (s *scanner) skip(n int) error {
	var _, err = s.bytes(n)
	return err
}

func (s *scanner) uint16() (uint16, error) {
	var b, err = s.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (s *scanner) uint32() (uint32, error) {
	var b, err = s.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// VRs encoded with a 2-byte reservation and 4-byte length in explicit VR.
var longFormVRs = map[string]bool{
	"OB": true, "OD": true, "OF": true, "OL": true, "OV": true, "OW": true,
	"SQ": true, "SV": true, "UC": true, "UN": true, "UR": true, "UT": true, "UV": true,
}

// readHeader reads one element header. Item and delimiter tags always use
// the implicit form regardless of the dataset's transfer syntax.
func (s *scanner) readHeader(explicit bool) (Tag, uint32, error) {
	var group, err = s.uint16()
	if err != nil {
		return Tag{}, 0, err
	}
	element, err := s.uint16()
	if err != nil {
		return Tag{}, 0, err
	}
	var tag = Tag{group, element}

	if !explicit || tag.Group == 0xFFFE {
		length, err := s.uint32()
		return tag, length, err
	}

	vrBytes, err := s.bytes(2)
	if err != nil {
		return Tag{}, 0, err
	}
	if longFormVRs[string(vrBytes)] {
		if err = s.skip(2); err != nil {
			return Tag{}, 0, err
		}
		length, err := s.uint32()
		return tag, length, err
	}
	short, err := s.uint16()
	return tag, uint32(short), err
}

// skipUndefined consumes the items of an undefined-length element up to and
// including its sequence delimitation item. Defined-length items are skipped
// wholesale; undefined-length items are nested datasets.
func (s *scanner) skipUndefined(explicit bool) error {
	for {
		var tag, length, err = s.readHeader(explicit)
		if err != nil {
			return err
		}
		switch tag {
		case TagSequenceDelimiter:
			return nil
		case TagItem:
			if length == undefinedLength {
				err = s.skipItem(explicit)
			} else {
				err = s.skip(int(length))
			}
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("malformed sequence: unexpected %s", tag)
		}
	}
}

// skipItem consumes nested dataset elements until the item delimitation tag.
func (s *scanner) skipItem(explicit bool) error {
	for {
		var tag, length, err = s.readHeader(explicit)
		if err != nil {
			return err
		}
		if tag == TagItemDelimiter {
			return nil
		}
		if length == undefinedLength {
			err = s.skipUndefined(explicit)
		} else {
			err = s.skip(int(length))
		}
		if err != nil {
			return err
		}
	}
}
