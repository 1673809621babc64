package inference

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TrustMode selects how server certificates of inference endpoints are
// verified.
type TrustMode int

const (
	// TrustSystem verifies against the system certificate roots.
	TrustSystem TrustMode = iota
	// TrustPath verifies against a PEM bundle at a configured path.
	TrustPath
	// TrustInsecure disables verification entirely. Production builds
	// refuse to parse it.
	TrustInsecure
)

// TrustRoot is an interpreted CERT_FILE setting.
type TrustRoot struct {
	Mode TrustMode
	Path string
}

// ParseTrustRoot interprets a CERT_FILE value. Empty or "system" selects the
// system roots, "insecure" disables verification, and any other value is a
// path to a PEM bundle.
func ParseTrustRoot(s string) (TrustRoot, error) {
	switch strings.ToLower(s) {
	case "", "system":
		return TrustRoot{Mode: TrustSystem}, nil
	case "insecure":
		if !insecureAllowed {
			return TrustRoot{}, errors.New("insecure TLS trust is not permitted in this build")
		}
		return TrustRoot{Mode: TrustInsecure}, nil
	default:
		return TrustRoot{Mode: TrustPath, Path: s}, nil
	}
}

func (t TrustRoot) String() string {
	switch t.Mode {
	case TrustInsecure:
		return "insecure"
	case TrustPath:
		return t.Path
	default:
		return "system"
	}
}

func (t TrustRoot) tlsConfig() (*tls.Config, error) {
	switch t.Mode {
	case TrustInsecure:
		return &tls.Config{InsecureSkipVerify: true}, nil
	case TrustPath:
		var pem, err = os.ReadFile(t.Path)
		if err != nil {
			return nil, fmt.Errorf("reading trust root: %w", err)
		}
		var pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.Path)
		}
		return &tls.Config{RootCAs: pool}, nil
	default:
		return nil, nil
	}
}
