package dicom

// Application context for all associations, per PS3.7 Annex A.
const ApplicationContextUID = "1.2.840.10008.3.1.1.1"

// Transfer syntaxes the gateway encodes and decodes.
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
)

// Verification service (C-ECHO).
const VerificationSOPClass = "1.2.840.10008.1.1"

// Identification of this implementation, carried in association requests and
// written into file meta headers.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.10.927.1"
	ImplementationVersionName = "DICOMGW_01"
)

// StorageSOPClasses lists the storage SOP classes negotiated by the receiver
// and proposed by the sender, per PS3.4 Annex B.5.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",        // Computed Radiography Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",      // Digital X-Ray Image Storage (Presentation)
	"1.2.840.10008.5.1.4.1.1.1.1.1",    // Digital X-Ray Image Storage (Processing)
	"1.2.840.10008.5.1.4.1.1.1.2",      // Digital Mammography X-Ray Image Storage (Presentation)
	"1.2.840.10008.5.1.4.1.1.1.2.1",    // Digital Mammography X-Ray Image Storage (Processing)
	"1.2.840.10008.5.1.4.1.1.1.3",      // Digital Intra-Oral X-Ray Image Storage (Presentation)
	"1.2.840.10008.5.1.4.1.1.1.3.1",    // Digital Intra-Oral X-Ray Image Storage (Processing)
	"1.2.840.10008.5.1.4.1.1.2",        // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1",      // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.2",      // Legacy Converted Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.3.1",      // Ultrasound Multi-frame Image Storage
	"1.2.840.10008.5.1.4.1.1.4",        // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1",      // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.2",      // MR Spectroscopy Storage
	"1.2.840.10008.5.1.4.1.1.4.3",      // Enhanced MR Color Image Storage
	"1.2.840.10008.5.1.4.1.1.4.4",      // Legacy Converted Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1",      // Ultrasound Image Storage
	"1.2.840.10008.5.1.4.1.1.6.2",      // Enhanced US Volume Storage
	"1.2.840.10008.5.1.4.1.1.7",        // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.7.1",      // Multi-frame Single Bit Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.2",      // Multi-frame Grayscale Byte Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.3",      // Multi-frame Grayscale Word Secondary Capture
	"1.2.840.10008.5.1.4.1.1.7.4",      // Multi-frame True Color Secondary Capture
	"1.2.840.10008.5.1.4.1.1.12.1",     // X-Ray Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.12.1.1",   // Enhanced XA Image Storage
	"1.2.840.10008.5.1.4.1.1.12.2",     // X-Ray Radiofluoroscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.12.2.1",   // Enhanced XRF Image Storage
	"1.2.840.10008.5.1.4.1.1.13.1.1",   // X-Ray 3D Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.13.1.2",   // X-Ray 3D Craniofacial Image Storage
	"1.2.840.10008.5.1.4.1.1.13.1.3",   // Breast Tomosynthesis Image Storage
	"1.2.840.10008.5.1.4.1.1.20",       // Nuclear Medicine Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.1",   // VL Endoscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.2",   // VL Microscopic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.4",   // VL Photographic Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.5.1", // Ophthalmic Photography 8 Bit Image Storage
	"1.2.840.10008.5.1.4.1.1.77.1.5.2", // Ophthalmic Photography 16 Bit Image Storage
	"1.2.840.10008.5.1.4.1.1.88.11",    // Basic Text SR Storage
	"1.2.840.10008.5.1.4.1.1.88.22",    // Enhanced SR Storage
	"1.2.840.10008.5.1.4.1.1.88.33",    // Comprehensive SR Storage
	"1.2.840.10008.5.1.4.1.1.104.1",    // Encapsulated PDF Storage
	"1.2.840.10008.5.1.4.1.1.128",      // Positron Emission Tomography Image Storage
	"1.2.840.10008.5.1.4.1.1.128.1",    // Legacy Converted Enhanced PET Image Storage
	"1.2.840.10008.5.1.4.1.1.130",      // Enhanced PET Image Storage
	"1.2.840.10008.5.1.4.1.1.481.1",    // RT Image Storage
	"1.2.840.10008.5.1.4.1.1.481.2",    // RT Dose Storage
	"1.2.840.10008.5.1.4.1.1.481.3",    // RT Structure Set Storage
	"1.2.840.10008.5.1.4.1.1.481.5",    // RT Plan Storage
}

var storageSOPClassSet = func() map[string]struct{} {
	var m = make(map[string]struct{}, len(StorageSOPClasses))
	for _, uid := range StorageSOPClasses {
		m[uid] = struct{}{}
	}
	return m
}()

// IsStorageSOPClass reports whether uid names a known storage SOP class.
func IsStorageSOPClass(uid string) bool {
	var _, ok = storageSOPClassSet[uid]
	return ok
}
