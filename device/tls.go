package device

import (
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"

	"github.com/juju/errors"
)

// TLSConfig verifies hub certificate against PEM bundle caFile,
// empty caFile means system roots. Protocol version is pinned.
func TLSConfig(caFile string, version string, serverName string) (*tls.Config, error) {
	v := uint16(tls.VersionTLS12)
	switch version {
	case "", "1.2":
	case "1.3":
		v = tls.VersionTLS13
	default:
		return nil, errors.NotValidf("tls_version=%s", version)
	}
	tlsconf := &tls.Config{
		MinVersion: v,
		MaxVersion: v,
		ServerName: serverName,
	}
	if caFile != "" {
		cabytes, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, errors.Annotatef(err, "TLS CA")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("TLS CA file=%s without certificates", caFile)
		}
	}
	return tlsconf, nil
}
