// Package scu implements the outbound DICOM sender which delivers inference
// outputs to destination peers: it associates, walks a directory of Part-10
// files, C-STOREs each of them, and releases.
package scu

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/openaxial/dicomgw/go/dicom"
	"github.com/openaxial/dicomgw/go/dimse"
)

// exchangeTimeout bounds each PDU exchange with the peer.
const exchangeTimeout = 60 * time.Second

// Sender transmits directories of instances to DICOM peers.
type Sender struct {
	// CallingAETitle identifies this gateway to destination peers.
	CallingAETitle string
	// DialTimeout bounds connection establishment. Zero means 10 seconds.
	DialTimeout time.Duration
}

// contextKey identifies a presentation context by what it carries.
type contextKey struct {
	sopClassUID    string
	transferSyntax string
}

// SendDirectory associates to the peer and C-STOREs every Part-10 file found
// under dir, recursively. It returns an error if the association cannot be
// established; past that point delivery is best-effort, with failures of
// individual instances logged rather than returned.
func (s Sender) SendDirectory(ctx context.Context, host string, port uint16, calledAETitle, dir string) error {
	var files []string
	var err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}
	if len(files) == 0 {
		log.WithFields(log.Fields{"dir": dir, "host": host}).Warn("directory holds nothing to send")
		return nil
	}

	var dialTimeout = s.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	var addr = fmt.Sprintf("%s:%d", host, port)
	conn, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	// Cancellation unblocks any in-flight exchange.
	var done = make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	accepted, maxPDU, err := s.associate(conn, calledAETitle)
	if err != nil {
		return fmt.Errorf("associating with %s@%s: %w", calledAETitle, addr, err)
	}
	log.WithFields(log.Fields{
		"peer":     addr,
		"calledAE": calledAETitle,
		"contexts": len(accepted),
		"files":    len(files),
	}).Info("association established")

	var sent, failed int
	var bytesSent uint64
	var messageID uint16
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		meta, dataset, err := dicom.ReadFile(path)
		if err != nil {
			log.WithFields(log.Fields{"path": path, "err": err}).Warn("skipping unreadable instance")
			sendsTotal.WithLabelValues("failed").Inc()
			failed++
			continue
		}
		contextID, ok := accepted[contextKey{meta.SOPClassUID, meta.TransferSyntax}]
		if !ok {
			log.WithFields(log.Fields{
				"path":           path,
				"sopClass":       meta.SOPClassUID,
				"transferSyntax": meta.TransferSyntax,
			}).Warn("no accepted presentation context for instance")
			sendsTotal.WithLabelValues("failed").Inc()
			failed++
			continue
		}
		messageID++
		status, err := s.store(conn, contextID, messageID, meta, dataset, maxPDU)
		if err != nil {
			// The association is no longer usable and remaining instances are
			// given up. Delivery is at-least-once; operational tooling
			// downstream owns retries.
			log.WithFields(log.Fields{"peer": addr, "path": path, "err": err}).
				Error("association broke mid-transfer")
			sendsTotal.WithLabelValues("failed").Inc()
			return nil
		}
		if status != dimse.StatusSuccess {
			log.WithFields(log.Fields{
				"path":   path,
				"status": fmt.Sprintf("0x%04X", status),
			}).Warn("peer answered C-STORE with a failure status")
			sendsTotal.WithLabelValues("failed").Inc()
			failed++
			continue
		}
		sendsTotal.WithLabelValues("sent").Inc()
		sent++
		bytesSent += uint64(len(dataset))
	}
	s.release(conn)

	log.WithFields(log.Fields{
		"peer":   addr,
		"sent":   sent,
		"failed": failed,
		"bytes":  humanize.Bytes(bytesSent),
	}).Info("released association")
	return nil
}

// associate negotiates the association, proposing every storage SOP class
// twice: once in explicit and once in implicit VR little-endian, so that
// files of either encoding can be sent without transcoding. It returns the
// accepted contexts keyed by what they carry, and the peer's max PDU length.
func (s Sender) associate(conn net.Conn, calledAETitle string) (map[contextKey]byte, uint32, error) {
	var rq = &dimse.AssociateRQ{
		CalledAETitle:  calledAETitle,
		CallingAETitle: s.CallingAETitle,
		MaxPDULength:   dimse.DefaultMaxPDULength,
	}
	var proposed = make(map[byte]contextKey)
	var id byte = 1
	for _, sopClass := range dicom.StorageSOPClasses {
		for _, ts := range []string{dicom.ExplicitVRLittleEndian, dicom.ImplicitVRLittleEndian} {
			rq.Contexts = append(rq.Contexts, dimse.PresentationContext{
				ID:               id,
				AbstractSyntax:   sopClass,
				TransferSyntaxes: []string{ts},
			})
			proposed[id] = contextKey{sopClass, ts}
			id += 2
		}
	}

	conn.SetDeadline(time.Now().Add(exchangeTimeout))
	if err := dimse.WritePDU(conn, dimse.PDUAssociateRQ, rq.Encode()); err != nil {
		return nil, 0, fmt.Errorf("writing association request: %w", err)
	}
	pduType, body, err := dimse.ReadPDU(conn)
	if err != nil {
		return nil, 0, fmt.Errorf("reading association response: %w", err)
	}
	switch pduType {
	case dimse.PDUAssociateAC:
	case dimse.PDUAssociateRJ:
		rj, err := dimse.ParseRejection(body)
		if err != nil {
			return nil, 0, err
		}
		return nil, 0, rj
	default:
		return nil, 0, fmt.Errorf("expected A-ASSOCIATE-AC, got PDU type 0x%02X", pduType)
	}
	ac, err := dimse.ParseAssociateAC(body)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing association accept: %w", err)
	}

	var accepted = make(map[contextKey]byte)
	for _, res := range ac.Results {
		if !res.Accepted() {
			continue
		}
		key, ok := proposed[res.ID]
		if !ok {
			continue
		}
		// The peer's selected transfer syntax wins over our proposal.
		if res.TransferSyntax != "" {
			key.transferSyntax = res.TransferSyntax
		}
		accepted[key] = res.ID
	}
	if len(accepted) == 0 {
		return nil, 0, errors.New("peer accepted no storage presentation contexts")
	}
	return accepted, ac.MaxPDULength, nil
}

// store performs one C-STORE exchange and returns the peer's response status.
func (s Sender) store(conn net.Conn, contextID byte, messageID uint16, meta dicom.FileMeta, dataset []byte, maxPDU uint32) (uint16, error) {
	var cmd = &dimse.Command{
		Field:          dimse.CommandCStoreRQ,
		MessageID:      messageID,
		SOPClassUID:    meta.SOPClassUID,
		SOPInstanceUID: meta.SOPInstanceUID,
		DataSetType:    0x0000,
	}
	conn.SetDeadline(time.Now().Add(exchangeTimeout))
	if err := dimse.WriteDataValue(conn, contextID, true, cmd.Encode(), maxPDU); err != nil {
		return 0, fmt.Errorf("writing command set: %w", err)
	}
	if err := dimse.WriteDataValue(conn, contextID, false, dataset, maxPDU); err != nil {
		return 0, fmt.Errorf("writing data set: %w", err)
	}

	var asm dimse.Assembler
	for {
		pduType, body, err := dimse.ReadPDU(conn)
		if err != nil {
			return 0, fmt.Errorf("reading response: %w", err)
		}
		if pduType != dimse.PDUPDataTF {
			return 0, fmt.Errorf("expected P-DATA-TF, got PDU type 0x%02X", pduType)
		}
		pdvs, err := dimse.ParsePDataTF(body)
		if err != nil {
			return 0, err
		}
		msgs, err := asm.Feed(pdvs)
		if err != nil {
			return 0, err
		}
		for _, msg := range msgs {
			if msg.Command.Field != dimse.CommandCStoreRSP {
				return 0, fmt.Errorf("unexpected DIMSE response 0x%04X", msg.Command.Field)
			}
			return msg.Command.Status, nil
		}
	}
}

// release performs the release exchange, ignoring errors. Every instance was
// already acknowledged before release begins.
func (s Sender) release(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(exchangeTimeout))
	if err := dimse.WritePDU(conn, dimse.PDUReleaseRQ, dimse.ReleaseBody()); err != nil {
		return
	}
	for {
		var pduType, _, err = dimse.ReadPDU(conn)
		if err != nil || pduType == dimse.PDUReleaseRP || pduType == dimse.PDUAbort {
			return
		}
	}
}
