package lifecycle

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/mixelka/mailwatch/internal/database"
	"github.com/mixelka/mailwatch/internal/mailbox"
)

// recoverablePatterns are matched case-insensitively against error text for
// errors that arrive without a typed cause
var recoverablePatterns = []string{
	"certificate",
	"x509",
	"tls:",
	"connection reset",
	"connection refused",
	"broken pipe",
	"timeout",
	"timed out",
	"no such host",
	"not found",
	"network is unreachable",
	"use of closed network connection",
	"unexpected eof",
	"* bye",
	"imap",
}

// IsRecoverable reports whether err is a known transient condition that
// should be logged and survived rather than shut the process down
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var mailboxErr *mailbox.Error
	if errors.As(err, &mailboxErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostnameErr      x509.HostnameError
		verifyErr        *tls.CertificateVerificationError
		recordErr        tls.RecordHeaderError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &invalidCert) ||
		errors.As(err, &hostnameErr) || errors.As(err, &verifyErr) || errors.As(err, &recordErr) {
		return true
	}

	for _, target := range []error{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ETIMEDOUT,
		syscall.EPIPE,
		io.ErrUnexpectedEOF,
		os.ErrNotExist,
		database.ErrNotFound,
		mailbox.ErrNotConnected,
	} {
		if errors.Is(err, target) {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range recoverablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
