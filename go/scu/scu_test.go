package scu

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/task"

	"github.com/openaxial/dicomgw/go/dicom"
	"github.com/openaxial/dicomgw/go/dimse"
	"github.com/openaxial/dicomgw/go/scp"
)

const testSOPClass = "1.2.840.10008.5.1.4.1.1.2" // CT Image Storage.

func TestSendDirectoryRoundTrip(t *testing.T) {
	var r = startTestReceiver(t)

	// A directory of two instances in distinct series, one explicit and one
	// implicit VR, plus a stray file which is not DICOM at all.
	var src = t.TempDir()
	require.NoError(t, dicom.WriteFile(
		filepath.Join(src, "a.dcm"),
		dicom.FileMeta{
			SOPClassUID:    testSOPClass,
			SOPInstanceUID: "1.2.3.1",
			TransferSyntax: dicom.ExplicitVRLittleEndian,
		},
		explicitDataset("1.2.3.1", "1.2.3.100"),
	))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, dicom.WriteFile(
		filepath.Join(src, "nested", "b.dcm"),
		dicom.FileMeta{
			SOPClassUID:    testSOPClass,
			SOPInstanceUID: "1.2.3.2",
			TransferSyntax: dicom.ImplicitVRLittleEndian,
		},
		implicitDataset("1.2.3.2", "1.2.3.200"),
	))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.txt"), []byte("not dicom"), 0644))

	var sender = Sender{CallingAETitle: "DICOMGW"}
	require.NoError(t, sender.SendDirectory(
		context.Background(), "127.0.0.1", receiverPort(t, r), "DICOMGW", src))

	var group *scp.StudyGroup
	select {
	case group = <-r.Releases():
	case <-time.After(5 * time.Second):
		t.Fatal("the peer released no study group")
	}
	require.Len(t, group.Series, 2)
	require.Equal(t, 2, group.InstanceCount())

	// The explicit VR instance round-tripped byte for byte.
	meta, dataset, err := dicom.ReadFile(
		filepath.Join(group.Series["1.2.3.100"].Dir, "1.2.3.1.dcm"))
	require.NoError(t, err)
	require.Equal(t, dicom.ExplicitVRLittleEndian, meta.TransferSyntax)
	require.Equal(t, explicitDataset("1.2.3.1", "1.2.3.100"), dataset)

	// The implicit VR instance was sent over its own presentation context.
	meta, dataset, err = dicom.ReadFile(
		filepath.Join(group.Series["1.2.3.200"].Dir, "1.2.3.2.dcm"))
	require.NoError(t, err)
	require.Equal(t, dicom.ImplicitVRLittleEndian, meta.TransferSyntax)
	require.Equal(t, implicitDataset("1.2.3.2", "1.2.3.200"), dataset)
}

func TestSendDirectoryRejected(t *testing.T) {
	var r = startTestReceiver(t)

	var src = t.TempDir()
	require.NoError(t, dicom.WriteFile(
		filepath.Join(src, "a.dcm"),
		dicom.FileMeta{
			SOPClassUID:    testSOPClass,
			SOPInstanceUID: "1.2.3.1",
			TransferSyntax: dicom.ExplicitVRLittleEndian,
		},
		explicitDataset("1.2.3.1", "1.2.3.100"),
	))

	var sender = Sender{CallingAETitle: "DICOMGW"}
	var err = sender.SendDirectory(
		context.Background(), "127.0.0.1", receiverPort(t, r), "SOMEONE_ELSE", src)

	var rj dimse.Rejection
	require.ErrorAs(t, err, &rj)
	require.Equal(t, dimse.RejectReasonCalledAETitleNotRecognized, rj.Reason)
}

func TestSendDirectoryEmpty(t *testing.T) {
	// Nothing to send means no connection is attempted at all.
	var sender = Sender{CallingAETitle: "DICOMGW"}
	require.NoError(t, sender.SendDirectory(
		context.Background(), "127.0.0.1", 1, "DICOMGW", t.TempDir()))
}

func startTestReceiver(t *testing.T) *scp.Receiver {
	var r, err = scp.NewReceiver(scp.Config{
		IP:          "127.0.0.1",
		Port:        0,
		AETitle:     "DICOMGW",
		StorageRoot: filepath.Join(t.TempDir(), "store"),
	})
	require.NoError(t, err)

	var tasks = task.NewGroup(context.Background())
	r.QueueTasks(tasks)
	tasks.GoRun()
	t.Cleanup(func() {
		tasks.Cancel()
		require.NoError(t, tasks.Wait())
	})
	return r
}

func receiverPort(t *testing.T, r *scp.Receiver) uint16 {
	var addr, ok = r.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return uint16(addr.Port)
}

func explicitDataset(sopInstance, series string) []byte {
	var out []byte
	out = append(out, explicitString(dicom.TagSOPClassUID, "UI", testSOPClass)...)
	out = append(out, explicitString(dicom.TagSOPInstanceUID, "UI", sopInstance)...)
	out = append(out, explicitString(dicom.TagStudyDescription, "LO", "HEAD^ROUTINE")...)
	out = append(out, explicitString(dicom.TagSeriesDescription, "LO", "AXIAL")...)
	out = append(out, explicitString(dicom.TagSeriesInstanceUID, "UI", series)...)
	return out
}

func implicitDataset(sopInstance, series string) []byte {
	var out []byte
	out = append(out, implicitString(dicom.TagSOPClassUID, testSOPClass)...)
	out = append(out, implicitString(dicom.TagSOPInstanceUID, sopInstance)...)
	out = append(out, implicitString(dicom.TagSeriesInstanceUID, series)...)
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

func implicitString(tag dicom.Tag, value string) []byte {
	var b = []byte(value)
	if len(b)%2 == 1 {
		b = append(b, 0x00)
	}
	var out []byte
	out = binary.LittleEndian.AppendUint16(out, tag.Group)
	out = binary.LittleEndian.AppendUint16(out, tag.Element)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b)))
	return append(out, b...)
}
