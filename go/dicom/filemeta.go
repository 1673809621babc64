package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

const preambleSize = 128

var magicDICM = []byte("DICM")

// FileMeta describes the group-2 header of a Part-10 file.
type FileMeta struct {
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
}

// WriteFile persists dataset, encoded with meta.TransferSyntax, as a Part-10
// file: 128-byte preamble, DICM marker, group-2 file meta in explicit VR
// little-endian, then the dataset bytes unchanged.
func WriteFile(path string, meta FileMeta, dataset []byte) error {
	if meta.SOPClassUID == "" || meta.SOPInstanceUID == "" || meta.TransferSyntax == "" {
		return fmt.Errorf("incomplete file meta %+v", meta)
	}
	var group bytes.Buffer
	writeMetaElement(&group, TagFileMetaVersion, "OB", []byte{0x00, 0x01})
	writeMetaUID(&group, TagMediaStorageSOPClassUID, meta.SOPClassUID)
	writeMetaUID(&group, TagMediaStorageSOPInstanceUID, meta.SOPInstanceUID)
	writeMetaUID(&group, TagTransferSyntaxUID, meta.TransferSyntax)
	writeMetaUID(&group, TagImplementationClassUID, ImplementationClassUID)
	writeMetaElement(&group, TagImplementationVersionName, "SH", padEven([]byte(ImplementationVersionName), ' '))

	var buf bytes.Buffer
	buf.Grow(preambleSize + 4 + 12 + group.Len() + len(dataset))
	buf.Write(make([]byte, preambleSize))
	buf.Write(magicDICM)
	var groupLen [4]byte
	binary.LittleEndian.PutUint32(groupLen[:], uint32(group.Len()))
	writeMetaElement(&buf, TagFileMetaGroupLength, "UL", groupLen[:])
	buf.Write(group.Bytes())
	buf.Write(dataset)

	return os.WriteFile(path, buf.Bytes(), 0644)
}

// ReadFile parses a Part-10 file, returning its file meta and dataset bytes.
func ReadFile(path string) (FileMeta, []byte, error) {
	var raw, err = os.ReadFile(path)
	if err != nil {
		return FileMeta{}, nil, err
	}
	if len(raw) < preambleSize+4 || !bytes.Equal(raw[preambleSize:preambleSize+4], magicDICM) {
		return FileMeta{}, nil, fmt.Errorf("%s is not a DICOM Part-10 file", path)
	}
	var s = scanner{buf: raw[preambleSize+4:]}

	// File meta is always explicit VR little-endian, prefixed by its group length.
	tag, length, err := s.readHeader(true)
	if err != nil {
		return FileMeta{}, nil, err
	}
	if tag != TagFileMetaGroupLength || length != 4 {
		return FileMeta{}, nil, fmt.Errorf("%s: malformed file meta header", path)
	}
	groupLen, err := s.uint32()
	if err != nil {
		return FileMeta{}, nil, err
	}
	var end = s.off + int(groupLen)
	if end > len(s.buf) {
		return FileMeta{}, nil, fmt.Errorf("%s: file meta group truncated", path)
	}

	var meta FileMeta
	for s.off < end {
		tag, length, err = s.readHeader(true)
		if err != nil {
			return FileMeta{}, nil, err
		}
		value, err := s.bytes(int(length))
		if err != nil {
			return FileMeta{}, nil, err
		}
		switch tag {
		case TagMediaStorageSOPClassUID:
			meta.SOPClassUID = trimUID(value)
		case TagMediaStorageSOPInstanceUID:
			meta.SOPInstanceUID = trimUID(value)
		case TagTransferSyntaxUID:
			meta.TransferSyntax = trimUID(value)
		}
	}
	if meta.TransferSyntax == "" {
		return FileMeta{}, nil, fmt.Errorf("%s: file meta lacks a transfer syntax", path)
	}
	return meta, s.buf[end:], nil
}

func trimUID(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == 0x00 || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return string(b)
}

// padEven appends pad if b has odd length. DICOM values are always even.
func padEven(b []byte, pad byte) []byte {
	if len(b)%2 == 1 {
		return append(b, pad)
	}
	return b
}

// writeMetaElement encodes one explicit VR little-endian element.
func writeMetaElement(w *bytes.Buffer, tag Tag, vr string, value []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:], tag.Group)
	binary.LittleEndian.PutUint16(hdr[2:], tag.Element)
	hdr[4], hdr[5] = vr[0], vr[1]
	if longFormVRs[vr] {
		w.Write(hdr[:6])
		var long [6]byte
		binary.LittleEndian.PutUint32(long[2:], uint32(len(value)))
		w.Write(long[:])
	} else {
		binary.LittleEndian.PutUint16(hdr[6:], uint16(len(value)))
		w.Write(hdr[:])
	}
	w.Write(value)
}

func writeMetaUID(w *bytes.Buffer, tag Tag, uid string) {
	writeMetaElement(w, tag, "UI", padEven([]byte(uid), 0x00))
}
