package scp

import (
	"context"
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openaxial/dicomgw/go/dicom"
	"github.com/openaxial/dicomgw/go/dimse"
)

const testSOPClass = "1.2.840.10008.5.1.4.1.1.2" // CT Image Storage.

func TestAssociationRejectsWrongCalledAE(t *testing.T) {
	var r = startTestReceiver(t)

	var conn = dialTestReceiver(t, r)
	var rq = &dimse.AssociateRQ{
		CalledAETitle:  "NOT_US",
		CallingAETitle: "TESTSCU",
		Contexts: []dimse.PresentationContext{
			{ID: 1, AbstractSyntax: dicom.VerificationSOPClass, TransferSyntaxes: []string{dicom.ExplicitVRLittleEndian}},
		},
		MaxPDULength: dimse.DefaultMaxPDULength,
	}
	require.NoError(t, dimse.WritePDU(conn, dimse.PDUAssociateRQ, rq.Encode()))

	pduType, body, err := dimse.ReadPDU(conn)
	require.NoError(t, err)
	require.Equal(t, dimse.PDUAssociateRJ, pduType)

	rj, err := dimse.ParseRejection(body)
	require.NoError(t, err)
	require.Equal(t, dimse.RejectResultPermanent, rj.Result)
	require.Equal(t, dimse.RejectSourceServiceUser, rj.Source)
	require.Equal(t, dimse.RejectReasonCalledAETitleNotRecognized, rj.Reason)
}

func TestAssociationNegotiation(t *testing.T) {
	var r = startTestReceiver(t)

	var conn = dialTestReceiver(t, r)
	var ac = associate(t, conn, []dimse.PresentationContext{
		// Prefers explicit VR when both are proposed.
		{ID: 1, AbstractSyntax: testSOPClass,
			TransferSyntaxes: []string{dicom.ImplicitVRLittleEndian, dicom.ExplicitVRLittleEndian}},
		// Unknown abstract syntaxes are rejected.
		{ID: 3, AbstractSyntax: "1.2.840.10008.5.1.4.38.1",
			TransferSyntaxes: []string{dicom.ExplicitVRLittleEndian}},
		// Unsupported transfer syntaxes are rejected.
		{ID: 5, AbstractSyntax: testSOPClass,
			TransferSyntaxes: []string{"1.2.840.10008.1.2.4.70"}},
	})
	require.Len(t, ac.Results, 3)
	require.True(t, ac.Results[0].Accepted())
	require.Equal(t, dicom.ExplicitVRLittleEndian, ac.Results[0].TransferSyntax)
	require.Equal(t, dimse.ContextAbstractSyntaxRejected, ac.Results[1].Result)
	require.Equal(t, dimse.ContextTransferSyntaxRejected, ac.Results[2].Result)
}

func TestEchoAndStoreAndRelease(t *testing.T) {
	var r = startTestReceiver(t)

	var conn = dialTestReceiver(t, r)
	var ac = associate(t, conn, []dimse.PresentationContext{
		{ID: 1, AbstractSyntax: dicom.VerificationSOPClass,
			TransferSyntaxes: []string{dicom.ExplicitVRLittleEndian}},
		{ID: 3, AbstractSyntax: testSOPClass,
			TransferSyntaxes: []string{dicom.ExplicitVRLittleEndian}},
	})
	require.True(t, ac.Results[0].Accepted())
	require.True(t, ac.Results[1].Accepted())

	// C-ECHO round trip.
	var echo = &dimse.Command{
		Field:       dimse.CommandCEchoRQ,
		MessageID:   1,
		SOPClassUID: dicom.VerificationSOPClass,
		DataSetType: dimse.CommandDataSetNull,
	}
	require.NoError(t, dimse.WriteDataValue(conn, 1, true, echo.Encode(), dimse.DefaultMaxPDULength))
	var rsp = readResponse(t, conn)
	require.Equal(t, dimse.CommandCEchoRSP, rsp.Field)
	require.Equal(t, dimse.StatusSuccess, rsp.Status)

	// Store two instances of distinct series.
	for i, series := range []string{"1.2.3.100", "1.2.3.200"} {
		var sop = series + ".1"
		var dataset = testDataset(sop, series, "CHEST^ROUTINE", "AXIAL")
		var cmd = &dimse.Command{
			Field:          dimse.CommandCStoreRQ,
			MessageID:      uint16(2 + i),
			SOPClassUID:    testSOPClass,
			SOPInstanceUID: sop,
			DataSetType:    0x0000,
		}
		require.NoError(t, dimse.WriteDataValue(conn, 3, true, cmd.Encode(), dimse.DefaultMaxPDULength))
		require.NoError(t, dimse.WriteDataValue(conn, 3, false, dataset, dimse.DefaultMaxPDULength))

		rsp = readResponse(t, conn)
		require.Equal(t, dimse.CommandCStoreRSP, rsp.Field)
		require.Equal(t, dimse.StatusSuccess, rsp.Status)
		require.Equal(t, sop, rsp.SOPInstanceUID)
	}

	// Release hands the group to the queue before the response is written.
	require.NoError(t, dimse.WritePDU(conn, dimse.PDUReleaseRQ, dimse.ReleaseBody()))
	pduType, _, err := dimse.ReadPDU(conn)
	require.NoError(t, err)
	require.Equal(t, dimse.PDUReleaseRP, pduType)

	var group *StudyGroup
	select {
	case group = <-r.Releases():
	case <-time.After(5 * time.Second):
		t.Fatal("no study group was released")
	}
	require.Len(t, group.Series, 2)
	require.Equal(t, 2, group.InstanceCount())

	var series = group.Series["1.2.3.100"]
	require.NotNil(t, series)
	require.Equal(t, "CHEST^ROUTINE", series.StudyDescription)
	require.Equal(t, "AXIAL", series.SeriesDescription)
	require.Equal(t, testSOPClass, series.SOPClassUID)
	require.Equal(t, filepath.Join(group.Dir, testSOPClass, "1.2.3.100"), series.Dir)

	// The persisted file is a well-formed Part-10 file wrapping the data set.
	meta, dataset, err := dicom.ReadFile(filepath.Join(series.Dir, "1.2.3.100.1.dcm"))
	require.NoError(t, err)
	require.Equal(t, testSOPClass, meta.SOPClassUID)
	require.Equal(t, "1.2.3.100.1", meta.SOPInstanceUID)
	require.Equal(t, dicom.ExplicitVRLittleEndian, meta.TransferSyntax)
	require.Equal(t, testDataset("1.2.3.100.1", "1.2.3.100", "CHEST^ROUTINE", "AXIAL"), dataset)

	// The map entry is gone; a later release carries nothing.
	r.mu.Lock()
	require.Empty(t, r.groups)
	r.mu.Unlock()
}

func TestStoreFallsBackToCommandUIDs(t *testing.T) {
	var r = startTestReceiver(t)
	var a = &association{
		r:        r,
		id:       newAssociationID(),
		contexts: map[byte]presentationBinding{1: {testSOPClass, dicom.ExplicitVRLittleEndian}},
	}

	// The data set carries no SOPInstanceUID; the command's fills in.
	var dataset = explicitString(dicom.TagSeriesInstanceUID, "UI", "1.2.3.100")
	var status = a.store(dimse.Message{
		ContextID: 1,
		Command: &dimse.Command{
			Field:          dimse.CommandCStoreRQ,
			SOPClassUID:    testSOPClass,
			SOPInstanceUID: "1.2.3.100.9",
		},
		Data: dataset,
	})
	require.Equal(t, dimse.StatusSuccess, status)

	group, err := r.group(a.id)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(group.Dir, testSOPClass, "1.2.3.100", "1.2.3.100.9.dcm"))

	// Missing descriptions default to the literal "None".
	require.Equal(t, "None", group.Series["1.2.3.100"].StudyDescription)
	require.Equal(t, "None", group.Series["1.2.3.100"].SeriesDescription)

	// No UID anywhere is unintelligible.
	status = a.store(dimse.Message{
		ContextID: 1,
		Command:   &dimse.Command{Field: dimse.CommandCStoreRQ, SOPClassUID: testSOPClass},
		Data:      dataset,
	})
	require.Equal(t, dimse.StatusCannotUnderstand, status)
}

func TestReleaseBackpressure(t *testing.T) {
	var r = startTestReceiver(t) // Queue size 1.

	for _, id := range []string{"assoc-1", "assoc-2"} {
		var g, err = r.group(id)
		require.NoError(t, err)
		g.Series["1.2.3"] = &SeriesInstance{SeriesInstanceUID: "1.2.3"}
	}

	// The first handoff fills the queue.
	require.NoError(t, r.release(context.Background(), "assoc-1"))

	// The second blocks until cancellation, and the group is not requeued.
	var ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.release(ctx, "assoc-2"), context.DeadlineExceeded)

	require.Equal(t, "assoc-1", (<-r.Releases()).ID)
	select {
	case g := <-r.Releases():
		t.Fatalf("unexpected group %s", g.ID)
	default:
	}

	// Releasing an association which stored nothing is a no-op.
	require.NoError(t, r.release(context.Background(), "assoc-3"))
}

func startTestReceiver(t *testing.T) *Receiver {
	var r, err = NewReceiver(Config{
		IP:          "127.0.0.1",
		Port:        0,
		AETitle:     "DICOMGW",
		StorageRoot: filepath.Join(t.TempDir(), "scp"),
		QueueSize:   1,
	})
	require.NoError(t, err)

	var ctx, cancel = context.WithCancel(context.Background())
	go r.serve(ctx)
	t.Cleanup(func() {
		cancel()
		r.listener.Close()
	})
	return r
}

func dialTestReceiver(t *testing.T, r *Receiver) net.Conn {
	var conn, err = net.Dial("tcp", r.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func associate(t *testing.T, conn net.Conn, contexts []dimse.PresentationContext) *dimse.AssociateAC {
	var rq = &dimse.AssociateRQ{
		CalledAETitle:  "DICOMGW",
		CallingAETitle: "TESTSCU",
		Contexts:       contexts,
		MaxPDULength:   dimse.DefaultMaxPDULength,
	}
	require.NoError(t, dimse.WritePDU(conn, dimse.PDUAssociateRQ, rq.Encode()))

	pduType, body, err := dimse.ReadPDU(conn)
	require.NoError(t, err)
	require.Equal(t, dimse.PDUAssociateAC, pduType)

	ac, err := dimse.ParseAssociateAC(body)
	require.NoError(t, err)
	return ac
}

// readResponse reads P-DATA-TF PDUs until one completes a DIMSE message.
func readResponse(t *testing.T, conn net.Conn) *dimse.Command {
	var asm dimse.Assembler
	for {
		pduType, body, err := dimse.ReadPDU(conn)
		require.NoError(t, err)
		require.Equal(t, dimse.PDUPDataTF, pduType)

		pdvs, err := dimse.ParsePDataTF(body)
		require.NoError(t, err)
		msgs, err := asm.Feed(pdvs)
		require.NoError(t, err)
		if len(msgs) != 0 {
			require.Len(t, msgs, 1)
			return msgs[0].Command
		}
	}
}

func testDataset(sopInstance, series, study, seriesDesc string) []byte {
	var out []byte
	out = append(out, explicitString(dicom.TagSOPClassUID, "UI", testSOPClass)...)
	out = append(out, explicitString(dicom.TagSOPInstanceUID, "UI", sopInstance)...)
	out = append(out, explicitString(dicom.TagStudyDescription, "LO", study)...)
	out = append(out, explicitString(dicom.TagSeriesDescription, "LO", seriesDesc)...)
	out = append(out, explicitString(dicom.TagSeriesInstanceUID, "UI", series)...)
	return out
}

func explicitString(tag dicom.Tag, vr, value string) []byte {
	var b = []byte(value)
	if len(b)%2 == 1 {
		if vr == "UI" {
			b = append(b, 0x00)
		} else {
			b = append(b, ' ')
		}
	}
	var out []byte
	out = binary.LittleEndian.AppendUint16(out, tag.Group)
	out = binary.LittleEndian.AppendUint16(out, tag.Element)
	out = append(out, vr[0], vr[1])
	out = binary.LittleEndian.AppendUint16(out, uint16(len(b)))
	return append(out, b...)
}
