package scp

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/openaxial/dicomgw/go/dicom"
	"github.com/openaxial/dicomgw/go/dimse"
)

// artimTimeout bounds the wait for the next PDU of an association.
const artimTimeout = 60 * time.Second

// A-ABORT codes written by the receiver.
const (
	abortSourceProvider   byte = 2
	abortReasonUnexpected byte = 2
)

// presentationBinding is one accepted presentation context.
type presentationBinding struct {
	abstractSyntax string
	transferSyntax string
}

type association struct {
	r    *Receiver
	conn net.Conn
	id   string

	contexts map[byte]presentationBinding
	maxPDU   uint32
	asm      dimse.Assembler
}

// serveAssociation negotiates and runs one association to completion.
func (r *Receiver) serveAssociation(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var a = &association{
		r:        r,
		conn:     conn,
		id:       newAssociationID(),
		contexts: make(map[byte]presentationBinding),
	}
	if err := a.run(ctx); err != nil && ctx.Err() == nil {
		log.WithFields(log.Fields{
			"assoc": a.id,
			"peer":  conn.RemoteAddr(),
			"err":   err,
		}).Warn("association failed")
	}
}

func (a *association) run(ctx context.Context) error {
	a.conn.SetReadDeadline(time.Now().Add(artimTimeout))
	var pduType, body, err = dimse.ReadPDU(a.conn)
	if err != nil {
		return fmt.Errorf("reading association request: %w", err)
	} else if pduType != dimse.PDUAssociateRQ {
		_ = dimse.WritePDU(a.conn, dimse.PDUAbort,
			dimse.AbortBody(abortSourceProvider, abortReasonUnexpected))
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type 0x%02X", pduType)
	}
	rq, err := dimse.ParseAssociateRQ(body)
	if err != nil {
		_ = dimse.WritePDU(a.conn, dimse.PDUAbort,
			dimse.AbortBody(abortSourceProvider, abortReasonUnexpected))
		return fmt.Errorf("parsing association request: %w", err)
	}

	if rq.CalledAETitle != a.r.cfg.AETitle {
		var rj = dimse.Rejection{
			Result: dimse.RejectResultPermanent,
			Source: dimse.RejectSourceServiceUser,
			Reason: dimse.RejectReasonCalledAETitleNotRecognized,
		}
		_ = dimse.WritePDU(a.conn, dimse.PDUAssociateRJ, rj.Encode())
		associationsTotal.WithLabelValues("rejected").Inc()
		log.WithFields(log.Fields{
			"calledAE":  rq.CalledAETitle,
			"callingAE": rq.CallingAETitle,
			"peer":      a.conn.RemoteAddr(),
		}).Warn("rejected association with unrecognized called AE title")
		return nil
	}

	var ac = &dimse.AssociateAC{
		CalledAETitle:  rq.CalledAETitle,
		CallingAETitle: rq.CallingAETitle,
		MaxPDULength:   dimse.DefaultMaxPDULength,
	}
	for _, pc := range rq.Contexts {
		ac.Results = append(ac.Results, a.negotiate(pc))
	}
	if err = dimse.WritePDU(a.conn, dimse.PDUAssociateAC, ac.Encode()); err != nil {
		return fmt.Errorf("writing association accept: %w", err)
	}
	a.maxPDU = rq.MaxPDULength
	associationsTotal.WithLabelValues("accepted").Inc()

	log.WithFields(log.Fields{
		"assoc":     a.id,
		"callingAE": rq.CallingAETitle,
		"contexts":  len(a.contexts),
	}).Info("accepted association")

	return a.loop(ctx)
}

// negotiate accepts verification and storage contexts, preferring explicit
// VR little-endian over implicit.
func (a *association) negotiate(pc dimse.PresentationContext) dimse.PresentationResult {
	if pc.AbstractSyntax != dicom.VerificationSOPClass && !dicom.IsStorageSOPClass(pc.AbstractSyntax) {
		return dimse.PresentationResult{ID: pc.ID, Result: dimse.ContextAbstractSyntaxRejected}
	}
	var chosen string
	for _, ts := range pc.TransferSyntaxes {
		if ts == dicom.ExplicitVRLittleEndian {
			chosen = ts
			break
		} else if ts == dicom.ImplicitVRLittleEndian && chosen == "" {
			chosen = ts
		}
	}
	if chosen == "" {
		return dimse.PresentationResult{ID: pc.ID, Result: dimse.ContextTransferSyntaxRejected}
	}
	a.contexts[pc.ID] = presentationBinding{
		abstractSyntax: pc.AbstractSyntax,
		transferSyntax: chosen,
	}
	return dimse.PresentationResult{ID: pc.ID, Result: dimse.ContextAccepted, TransferSyntax: chosen}
}

func (a *association) loop(ctx context.Context) error {
	for {
		a.conn.SetReadDeadline(time.Now().Add(artimTimeout))
		var pduType, body, err = dimse.ReadPDU(a.conn)
		if err != nil {
			a.r.drop(a.id)
			return fmt.Errorf("reading PDU: %w", err)
		}

		switch pduType {
		case dimse.PDUPDataTF:
			pdvs, err := dimse.ParsePDataTF(body)
			if err == nil {
				var msgs []dimse.Message
				if msgs, err = a.asm.Feed(pdvs); err == nil {
					for _, msg := range msgs {
						if err = a.dispatch(msg); err != nil {
							break
						}
					}
				}
			}
			if err != nil {
				a.r.drop(a.id)
				_ = dimse.WritePDU(a.conn, dimse.PDUAbort,
					dimse.AbortBody(abortSourceProvider, abortReasonUnexpected))
				return err
			}

		case dimse.PDUReleaseRQ:
			if err = a.r.release(ctx, a.id); err != nil {
				return fmt.Errorf("handing off study group: %w", err)
			}
			if err = dimse.WritePDU(a.conn, dimse.PDUReleaseRP, dimse.ReleaseBody()); err != nil {
				return fmt.Errorf("writing release response: %w", err)
			}
			log.WithField("assoc", a.id).Debug("association released")
			return nil

		case dimse.PDUAbort:
			a.r.drop(a.id)
			log.WithField("assoc", a.id).Warn("association aborted by peer")
			return nil

		default:
			a.r.drop(a.id)
			_ = dimse.WritePDU(a.conn, dimse.PDUAbort,
				dimse.AbortBody(abortSourceProvider, abortReasonUnexpected))
			return fmt.Errorf("unexpected PDU type 0x%02X", pduType)
		}
	}
}

func (a *association) dispatch(msg dimse.Message) error {
	switch msg.Command.Field {
	case dimse.CommandCEchoRQ:
		return a.respond(msg.ContextID, &dimse.Command{
			Field:       dimse.CommandCEchoRSP,
			RespondedTo: msg.Command.MessageID,
			SOPClassUID: msg.Command.SOPClassUID,
			DataSetType: dimse.CommandDataSetNull,
			Status:      dimse.StatusSuccess,
		})
	case dimse.CommandCStoreRQ:
		return a.respond(msg.ContextID, &dimse.Command{
			Field:          dimse.CommandCStoreRSP,
			RespondedTo:    msg.Command.MessageID,
			SOPClassUID:    msg.Command.SOPClassUID,
			SOPInstanceUID: msg.Command.SOPInstanceUID,
			DataSetType:    dimse.CommandDataSetNull,
			Status:         a.store(msg),
		})
	default:
		return fmt.Errorf("unsupported DIMSE command 0x%04X", msg.Command.Field)
	}
}

func (a *association) respond(contextID byte, rsp *dimse.Command) error {
	return dimse.WriteDataValue(a.conn, contextID, true, rsp.Encode(), a.maxPDU)
}

// store persists one C-STOREd instance and returns the DIMSE status to
// answer with. Failures never tear down the association.
func (a *association) store(msg dimse.Message) uint16 {
	var binding, ok = a.contexts[msg.ContextID]
	if !ok {
		storeFailuresTotal.Inc()
		return dimse.StatusCannotUnderstand
	}

	var attrs, err = dicom.ScanAttributes(msg.Data, binding.transferSyntax,
		dicom.TagSOPClassUID, dicom.TagSOPInstanceUID, dicom.TagStudyDescription,
		dicom.TagSeriesDescription, dicom.TagSeriesInstanceUID)
	if err != nil {
		log.WithFields(log.Fields{"assoc": a.id, "err": err}).
			Warn("failed to scan C-STORE data set")
		storeFailuresTotal.Inc()
		return dimse.StatusCannotUnderstand
	}

	var sopInstanceUID = attrs.GetDefault(dicom.TagSOPInstanceUID, "")
	if sopInstanceUID == "" {
		sopInstanceUID = msg.Command.SOPInstanceUID
	}
	if sopInstanceUID == "" {
		storeFailuresTotal.Inc()
		return dimse.StatusCannotUnderstand
	}
	var sopClassUID = attrs.GetDefault(dicom.TagSOPClassUID, "")
	if sopClassUID == "" {
		sopClassUID = msg.Command.SOPClassUID
	}
	if sopClassUID == "" {
		sopClassUID = "None"
	}
	var seriesUID = attrs.GetDefault(dicom.TagSeriesInstanceUID, "None")

	group, err := a.r.group(a.id)
	if err != nil {
		log.WithFields(log.Fields{"assoc": a.id, "err": err}).Warn("failed to create study group")
		storeFailuresTotal.Inc()
		return dimse.StatusOutOfResources
	}

	series, ok := group.Series[seriesUID]
	if !ok {
		var dir = filepath.Join(group.Dir, sopClassUID, seriesUID)
		if err = os.MkdirAll(dir, 0755); err != nil {
			log.WithFields(log.Fields{"assoc": a.id, "err": err}).Warn("failed to create series directory")
			storeFailuresTotal.Inc()
			return dimse.StatusOutOfResources
		}
		series = &SeriesInstance{
			SeriesInstanceUID: seriesUID,
			StudyDescription:  attrs.GetDefault(dicom.TagStudyDescription, "None"),
			SeriesDescription: attrs.GetDefault(dicom.TagSeriesDescription, "None"),
			SOPClassUID:       sopClassUID,
			Dir:               dir,
		}
		group.Series[seriesUID] = series
	}

	var path = filepath.Join(series.Dir, sopInstanceUID+".dcm")
	if err = dicom.WriteFile(path, dicom.FileMeta{
		SOPClassUID:    sopClassUID,
		SOPInstanceUID: sopInstanceUID,
		TransferSyntax: binding.transferSyntax,
	}, msg.Data); err != nil {
		log.WithFields(log.Fields{"assoc": a.id, "path": path, "err": err}).
			Warn("failed to persist instance")
		storeFailuresTotal.Inc()
		return dimse.StatusOutOfResources
	}

	series.Instances++
	group.LastSeen = time.Now().UTC()
	instancesStoredTotal.Inc()

	log.WithFields(log.Fields{
		"assoc":  a.id,
		"series": seriesUID,
		"sop":    sopInstanceUID,
		"size":   humanize.Bytes(uint64(len(msg.Data))),
	}).Debug("stored instance")
	return dimse.StatusSuccess
}
