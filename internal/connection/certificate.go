package connection

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sideshow/apns2/certificate"

	"github.com/tinywideclouds/go-push-daemon/pkg/push"
)

// CertificateWarningWindow is how far ahead an upcoming expiry is reported.
const CertificateWarningWindow = 30 * 24 * time.Hour

// CertificateExpiredError is returned when connecting with an expired certificate.
type CertificateExpiredError struct {
	AppID    string
	NotAfter time.Time
}

func (e *CertificateExpiredError) Error() string {
	return fmt.Sprintf("%s certificate expired at %s", e.AppID, e.NotAfter.UTC().Format(time.RFC3339))
}

// CheckCertificate fails on an expired certificate and reflects a warning
// when it expires within CertificateWarningWindow.
func CheckCertificate(cert *x509.Certificate, now time.Time, appID string, logger *slog.Logger, reflector push.Reflector) error {
	if cert == nil {
		return nil
	}
	switch {
	case now.After(cert.NotAfter):
		logger.Error("Certificate expired", "app_id", appID, "not_after", cert.NotAfter)
		return &CertificateExpiredError{AppID: appID, NotAfter: cert.NotAfter}
	case cert.NotAfter.Before(now.Add(CertificateWarningWindow)):
		logger.Warn("Certificate will expire", "app_id", appID, "not_after", cert.NotAfter)
		if reflector != nil {
			reflector.Reflect(push.Event{Kind: push.EventCertificateWillExpire, AppID: appID, At: cert.NotAfter})
		}
	}
	return nil
}

// LoadKeyPair parses a PEM bundle holding both the certificate and its
// private key, optionally encrypted with password, and returns it with the
// parsed leaf.
func LoadKeyPair(pemBundle []byte, password string) (tls.Certificate, *x509.Certificate, error) {
	pair, err := certificate.FromPemBytes(pemBundle, password)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	leaf, err := Leaf(pair)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return pair, leaf, nil
}

// Leaf returns the parsed leaf of a tls.Certificate.
func Leaf(pair tls.Certificate) (*x509.Certificate, error) {
	if pair.Leaf != nil {
		return pair.Leaf, nil
	}
	if len(pair.Certificate) == 0 {
		return nil, errors.New("certificate chain is empty")
	}
	return x509.ParseCertificate(pair.Certificate[0])
}
