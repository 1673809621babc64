package dimse

import (
	"encoding/binary"
	"fmt"
)

// Command field values.
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
)

// CommandDataSetNull is the data-set-type value indicating that no data set
// follows the command set.
const CommandDataSetNull uint16 = 0x0101

// DIMSE status codes returned by the receiver.
const (
	StatusSuccess          uint16 = 0x0000
	StatusOutOfResources   uint16 = 0xA700
	StatusCannotUnderstand uint16 = 0xC000
)

// Command is a DIMSE command set. Command sets are always encoded in
// implicit VR little-endian, regardless of the context's transfer syntax.
type Command struct {
	Field          uint16
	MessageID      uint16
	RespondedTo    uint16
	SOPClassUID    string
	SOPInstanceUID string
	Priority       uint16
	DataSetType    uint16
	Status         uint16
}

// HasData reports whether a data set follows this command set.
func (c *Command) HasData() bool { return c.DataSetType != CommandDataSetNull }

// IsResponse reports whether the command is a response primitive.
func (c *Command) IsResponse() bool { return c.Field&0x8000 != 0 }

func (c *Command) Encode() []byte {
	var elems []byte
	if c.SOPClassUID != "" {
		elems = appendCommandString(elems, 0x0002, c.SOPClassUID)
	}
	elems = appendCommandUint16(elems, 0x0100, c.Field)
	if c.IsResponse() {
		elems = appendCommandUint16(elems, 0x0120, c.RespondedTo)
	} else {
		elems = appendCommandUint16(elems, 0x0110, c.MessageID)
	}
	if c.Field == CommandCStoreRQ {
		elems = appendCommandUint16(elems, 0x0700, c.Priority)
	}
	elems = appendCommandUint16(elems, 0x0800, c.DataSetType)
	if c.IsResponse() {
		elems = appendCommandUint16(elems, 0x0900, c.Status)
	}
	if c.SOPInstanceUID != "" {
		elems = appendCommandString(elems, 0x1000, c.SOPInstanceUID)
	}

	var out = appendCommandHeader(nil, 0x0000, 4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(elems)))
	return append(out, elems...)
}

// ParseCommand decodes a command set.
func ParseCommand(data []byte) (*Command, error) {
	var cmd = &Command{DataSetType: CommandDataSetNull}
	for off := 0; off < len(data); {
		if off+8 > len(data) {
			return nil, fmt.Errorf("truncated command element at offset %d", off)
		}
		var group = binary.LittleEndian.Uint16(data[off:])
		var element = binary.LittleEndian.Uint16(data[off+2:])
		var length = int(binary.LittleEndian.Uint32(data[off+4:]))
		off += 8
		if off+length > len(data) {
			return nil, fmt.Errorf("command element (%04X,%04X) overruns the command set", group, element)
		}
		var value = data[off : off+length]
		off += length

		if group != 0x0000 {
			continue
		}
		switch element {
		case 0x0002:
			cmd.SOPClassUID = trimUID(value)
		case 0x0100:
			cmd.Field = commandUint16(value)
		case 0x0110:
			cmd.MessageID = commandUint16(value)
		case 0x0120:
			cmd.RespondedTo = commandUint16(value)
		case 0x0700:
			cmd.Priority = commandUint16(value)
		case 0x0800:
			cmd.DataSetType = commandUint16(value)
		case 0x0900:
			cmd.Status = commandUint16(value)
		case 0x1000:
			cmd.SOPInstanceUID = trimUID(value)
		}
	}
	return cmd, nil
}

func commandUint16(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value)
}

func appendCommandHeader(buf []byte, element uint16, length uint32) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, 0x0000)
	buf = binary.LittleEndian.AppendUint16(buf, element)
	return binary.LittleEndian.AppendUint32(buf, length)
}

func appendCommandUint16(buf []byte, element, value uint16) []byte {
	buf = appendCommandHeader(buf, element, 2)
	return binary.LittleEndian.AppendUint16(buf, value)
}

func appendCommandString(buf []byte, element uint16, value string) []byte {
	var b = []byte(value)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	buf = appendCommandHeader(buf, element, uint32(len(b)))
	return append(buf, b...)
}
