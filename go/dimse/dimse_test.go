package dimse

import (
	"bytes"
	"testing"

	"github.com/openaxial/dicomgw/go/dicom"
	"github.com/stretchr/testify/require"
)

func TestAssociateRQRoundTrip(t *testing.T) {
	var rq = &AssociateRQ{
		CalledAETitle:  "DICOMGW",
		CallingAETitle: "MODALITY",
		Contexts: []PresentationContext{
			{
				ID:               1,
				AbstractSyntax:   "1.2.840.10008.5.1.4.1.1.2",
				TransferSyntaxes: []string{dicom.ExplicitVRLittleEndian, dicom.ImplicitVRLittleEndian},
			},
			{
				ID:               3,
				AbstractSyntax:   dicom.VerificationSOPClass,
				TransferSyntaxes: []string{dicom.ImplicitVRLittleEndian},
			},
		},
		MaxPDULength: 32768,
	}

	var parsed, err = ParseAssociateRQ(rq.Encode())
	require.NoError(t, err)
	require.Equal(t, rq, parsed)
}

func TestAssociateACRoundTrip(t *testing.T) {
	var ac = &AssociateAC{
		CalledAETitle:  "DICOMGW",
		CallingAETitle: "MODALITY",
		Results: []PresentationResult{
			{ID: 1, Result: ContextAccepted, TransferSyntax: dicom.ExplicitVRLittleEndian},
			{ID: 3, Result: ContextAbstractSyntaxRejected, TransferSyntax: dicom.ImplicitVRLittleEndian},
		},
		MaxPDULength: 16384,
	}

	var parsed, err = ParseAssociateAC(ac.Encode())
	require.NoError(t, err)
	require.Equal(t, ac, parsed)

	require.True(t, parsed.Results[0].Accepted())
	require.False(t, parsed.Results[1].Accepted())
}

func TestRejectionRoundTrip(t *testing.T) {
	var rj = Rejection{
		Result: RejectResultPermanent,
		Source: RejectSourceServiceUser,
		Reason: RejectReasonCalledAETitleNotRecognized,
	}
	var parsed, err = ParseRejection(rj.Encode())
	require.NoError(t, err)
	require.Equal(t, rj, parsed)
	require.Contains(t, parsed.Error(), "association rejected")
}

func TestParseAssociateRQRejectsTruncated(t *testing.T) {
	var _, err = ParseAssociateRQ(make([]byte, 10))
	require.Error(t, err)
}

func TestCommandRoundTrip(t *testing.T) {
	var cases = []Command{
		{
			Field:          CommandCStoreRQ,
			MessageID:      7,
			SOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
			SOPInstanceUID: "1.2.3.4",
			DataSetType:    0x0000,
		},
		{
			Field:          CommandCStoreRSP,
			RespondedTo:    7,
			SOPClassUID:    "1.2.840.10008.5.1.4.1.1.2",
			SOPInstanceUID: "1.2.3.4",
			DataSetType:    CommandDataSetNull,
			Status:         StatusSuccess,
		},
		{
			Field:       CommandCEchoRQ,
			MessageID:   1,
			SOPClassUID: dicom.VerificationSOPClass,
			DataSetType: CommandDataSetNull,
		},
	}
	for _, tc := range cases {
		var parsed, err = ParseCommand(tc.Encode())
		require.NoError(t, err)
		require.Equal(t, &tc, parsed)
	}
}

func TestDataValueFragmentationRoundTrip(t *testing.T) {
	var cmd = &Command{
		Field:          CommandCStoreRQ,
		MessageID:      11,
		SOPClassUID:    "1.2.840.10008.5.1.4.1.1.4",
		SOPInstanceUID: "9.9.9.9",
		DataSetType:    0x0000,
	}
	var data = bytes.Repeat([]byte{0xAB, 0xCD}, 500)

	// Write with a tiny max PDU to force fragmentation of both streams.
	var wire bytes.Buffer
	require.NoError(t, WriteDataValue(&wire, 1, true, cmd.Encode(), 64))
	require.NoError(t, WriteDataValue(&wire, 1, false, data, 64))

	var asm Assembler
	var messages []Message
	var pduCount int
	for wire.Len() > 0 {
		var pduType, body, err = ReadPDU(&wire)
		require.NoError(t, err)
		require.Equal(t, PDUPDataTF, pduType)
		pduCount++

		pdvs, err := ParsePDataTF(body)
		require.NoError(t, err)
		done, err := asm.Feed(pdvs)
		require.NoError(t, err)
		messages = append(messages, done...)
	}

	require.Greater(t, pduCount, 2)
	require.Len(t, messages, 1)
	require.Equal(t, byte(1), messages[0].ContextID)
	require.Equal(t, cmd, messages[0].Command)
	require.Equal(t, data, messages[0].Data)
}

func TestAssemblerRejectsDataBeforeCommand(t *testing.T) {
	var asm Assembler
	var _, err = asm.Feed([]PDV{{ContextID: 1, Command: false, Last: true, Data: []byte{1}}})
	require.Error(t, err)
}

func TestEchoMessageWithoutData(t *testing.T) {
	var cmd = &Command{
		Field:       CommandCEchoRQ,
		MessageID:   3,
		SOPClassUID: dicom.VerificationSOPClass,
		DataSetType: CommandDataSetNull,
	}
	var wire bytes.Buffer
	require.NoError(t, WriteDataValue(&wire, 5, true, cmd.Encode(), 0))

	_, body, err := ReadPDU(&wire)
	require.NoError(t, err)
	pdvs, err := ParsePDataTF(body)
	require.NoError(t, err)

	var asm Assembler
	done, err := asm.Feed(pdvs)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Nil(t, done[0].Data)
	require.Equal(t, cmd, done[0].Command)
}
