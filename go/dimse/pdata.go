package dimse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PDV is one presentation data value of a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// ParsePDataTF decodes the PDVs of a P-DATA-TF body.
func ParsePDataTF(body []byte) ([]PDV, error) {
	var pdvs []PDV
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("truncated PDV header (%d bytes remain)", len(body))
		}
		var length = binary.BigEndian.Uint32(body[:4])
		if length < 2 || int(length) > len(body)-4 {
			return nil, fmt.Errorf("PDV length %d exceeds remaining %d bytes", length, len(body)-4)
		}
		var mch = body[5]
		pdvs = append(pdvs, PDV{
			ContextID: body[4],
			Command:   mch&0x01 != 0,
			Last:      mch&0x02 != 0,
			Data:      body[6 : 4+length],
		})
		body = body[4+length:]
	}
	return pdvs, nil
}

// WriteDataValue writes data as P-DATA-TF PDUs on the given presentation
// context, fragmenting to the peer's maximum PDU length.
func WriteDataValue(w io.Writer, contextID byte, command bool, data []byte, maxPDU uint32) error {
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	var chunkMax = int(maxPDU) - 6
	for {
		var n = len(data)
		if n > chunkMax {
			n = chunkMax
		}
		var chunk = data[:n]
		data = data[n:]

		var mch byte
		if command {
			mch |= 0x01
		}
		if len(data) == 0 {
			mch |= 0x02
		}
		var body = make([]byte, 6+len(chunk))
		binary.BigEndian.PutUint32(body[:4], uint32(len(chunk)+2))
		body[4] = contextID
		body[5] = mch
		copy(body[6:], chunk)

		if err := WritePDU(w, PDUPDataTF, body); err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
	}
}

// Message is one reassembled DIMSE message: a command set and, when the
// command indicates one, its data set.
type Message struct {
	ContextID byte
	Command   *Command
	Data      []byte
}

// Assembler reassembles fragmented PDVs into complete DIMSE messages.
type Assembler struct {
	contextID byte
	command   *Command
	cmdBuf    bytes.Buffer
	dataBuf   bytes.Buffer
}

// Feed consumes the PDVs of one P-DATA-TF PDU, returning any messages they
// complete.
func (a *Assembler) Feed(pdvs []PDV) ([]Message, error) {
	var done []Message
	for _, pdv := range pdvs {
		if a.idle() {
			a.contextID = pdv.ContextID
		} else if pdv.ContextID != a.contextID {
			return nil, fmt.Errorf("interleaved presentation contexts %d and %d", a.contextID, pdv.ContextID)
		}

		if pdv.Command {
			if a.command != nil {
				return nil, errors.New("command fragment after a completed command set")
			}
			a.cmdBuf.Write(pdv.Data)
			if !pdv.Last {
				continue
			}
			var cmd, err = ParseCommand(a.cmdBuf.Bytes())
			if err != nil {
				return nil, err
			}
			a.cmdBuf.Reset()
			if cmd.HasData() {
				a.command = cmd
				continue
			}
			done = append(done, Message{ContextID: a.contextID, Command: cmd})
			a.reset()
			continue
		}

		if a.command == nil {
			return nil, errors.New("data fragment before a command set")
		}
		a.dataBuf.Write(pdv.Data)
		if !pdv.Last {
			continue
		}
		var data = make([]byte, a.dataBuf.Len())
		copy(data, a.dataBuf.Bytes())
		done = append(done, Message{ContextID: a.contextID, Command: a.command, Data: data})
		a.reset()
	}
	return done, nil
}

func (a *Assembler) idle() bool {
	return a.command == nil && a.cmdBuf.Len() == 0 && a.dataBuf.Len() == 0
}

func (a *Assembler) reset() {
	a.contextID = 0
	a.command = nil
	a.cmdBuf.Reset()
	a.dataBuf.Reset()
}
