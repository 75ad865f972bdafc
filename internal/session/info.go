package session

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"net"
	"strconv"
	"strings"

	"go.step.sm/crypto/fingerprint"

	"popnet/util"
)

// dateLayout renders certificate dates as the front-end expects.
const dateLayout = "20060102150405"

// Info is the connection summary returned by TLSInfo.
type Info struct {
	LocalAddress string      `json:"localAddress"`
	PeerAddress  string      `json:"peerAddress"`
	PeerPort     int         `json:"peerPort"`
	State        State       `json:"state"`
	TLSMode      TLSMode     `json:"mode"`
	Protocol     string      `json:"protocol,omitempty"`
	Chain        []CertInfo  `json:"peerCertificateChain"`
	Cipher       *CipherInfo `json:"sessionCipher,omitempty"`
}

// CertInfo describes one certificate of the peer chain.
type CertInfo struct {
	Digest        string              `json:"digest"`
	EffectiveDate string              `json:"effectiveDate"`
	ExpiryDate    string              `json:"expiryDate"`
	SerialNumber  string              `json:"serialNumber"`
	Version       int                 `json:"version"`
	PEM           string              `json:"toPem"`
	DER           string              `json:"toDer"`
	Subject       map[string][]string `json:"subjectInfo"`
	Issuer        map[string][]string `json:"issuerInfo"`
	PublicKey     PublicKeyInfo       `json:"publicKey"`
}

// PublicKeyInfo describes a certificate's public key.
type PublicKeyInfo struct {
	Algorithm string `json:"algorithm"`
	Length    int    `json:"length"`
	DER       string `json:"toDer"`
	PEM       string `json:"toPem"`
}

// CipherInfo describes the negotiated cipher suite.
type CipherInfo struct {
	Name           string `json:"name"`
	KeyExchange    string `json:"keyExchangeMethod"`
	Authentication string `json:"authenticationMethod"`
	Encryption     string `json:"encryptionMethod"`
	Protocol       string `json:"protocolString"`
	SupportedBits  int    `json:"supportedBits"`
	UsedBits       int    `json:"usedBits"`
}

// TLSInfo reports addresses, state and, once a handshake has
// completed, the peer chain and cipher.
func (s *Session) TLSInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{State: s.state, TLSMode: s.tlsMode, Chain: []CertInfo{}}
	if s.conn != nil {
		info.LocalAddress = s.conn.LocalAddr().String()
		info.PeerAddress = util.HostOf(s.conn.RemoteAddr())
		if _, port, err := net.SplitHostPort(s.conn.RemoteAddr().String()); err == nil {
			info.PeerPort, _ = strconv.Atoi(port)
		}
	}
	if s.tlsState == nil {
		return info
	}
	st := s.tlsState
	info.Protocol = tls.VersionName(st.Version)
	for _, c := range st.PeerCertificates {
		info.Chain = append(info.Chain, describeCert(c))
	}
	var leaf *x509.Certificate
	if len(st.PeerCertificates) > 0 {
		leaf = st.PeerCertificates[0]
	}
	ci := describeCipher(st.CipherSuite, st.Version, leaf)
	info.Cipher = &ci
	return info
}

func describeCert(c *x509.Certificate) CertInfo {
	digest, err := fingerprint.New(c.Raw, crypto.SHA256, fingerprint.HexFingerprint)
	if err != nil {
		digest = ""
	}
	ci := CertInfo{
		Digest:        digest,
		EffectiveDate: c.NotBefore.UTC().Format(dateLayout),
		ExpiryDate:    c.NotAfter.UTC().Format(dateLayout),
		SerialNumber:  hex.EncodeToString(c.SerialNumber.Bytes()),
		Version:       c.Version,
		PEM:           string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})),
		DER:           hex.EncodeToString(c.Raw),
		Subject:       nameFields(c.Subject),
		Issuer:        nameFields(c.Issuer),
		PublicKey:     PublicKeyInfo{Algorithm: c.PublicKeyAlgorithm.String()},
	}
	switch k := c.PublicKey.(type) {
	case *rsa.PublicKey:
		ci.PublicKey.Length = k.N.BitLen()
	case *ecdsa.PublicKey:
		ci.PublicKey.Length = k.Curve.Params().BitSize
	case ed25519.PublicKey:
		ci.PublicKey.Length = len(k) * 8
	}
	if der, err := x509.MarshalPKIXPublicKey(c.PublicKey); err == nil {
		ci.PublicKey.DER = hex.EncodeToString(der)
		ci.PublicKey.PEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	}
	return ci
}

func nameFields(n pkix.Name) map[string][]string {
	m := map[string][]string{}
	add := func(k string, v []string) {
		if len(v) > 0 {
			m[k] = v
		}
	}
	if n.CommonName != "" {
		m["CN"] = []string{n.CommonName}
	}
	add("O", n.Organization)
	add("OU", n.OrganizationalUnit)
	add("C", n.Country)
	add("L", n.Locality)
	add("ST", n.Province)
	return m
}

// describeCipher splits a suite name such as
// TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256 into its parts.  TLS 1.3 suite
// names omit key exchange and authentication; those come from the
// protocol and the leaf key.
func describeCipher(id uint16, version uint16, leaf *x509.Certificate) CipherInfo {
	name := tls.CipherSuiteName(id)
	ci := CipherInfo{Name: name, Protocol: tls.VersionName(version)}

	body := strings.TrimPrefix(name, "TLS_")
	if kxAuth, enc, ok := strings.Cut(body, "_WITH_"); ok {
		kx, auth, found := strings.Cut(kxAuth, "_")
		if !found {
			auth = kx
		}
		ci.KeyExchange, ci.Authentication = kx, auth
		body = enc
	} else {
		ci.KeyExchange = "ECDHE"
		if leaf != nil {
			ci.Authentication = leaf.PublicKeyAlgorithm.String()
		}
	}

	// Drop the trailing MAC/PRF hash.
	if i := strings.LastIndex(body, "_SHA"); i > 0 {
		body = body[:i]
	}
	ci.Encryption = body
	ci.SupportedBits, ci.UsedBits = cipherBits(body)
	return ci
}

func cipherBits(enc string) (supported, used int) {
	switch {
	case strings.HasPrefix(enc, "CHACHA20"):
		return 256, 256
	case strings.HasPrefix(enc, "3DES"):
		return 168, 112
	}
	for _, part := range strings.Split(enc, "_") {
		if n, err := strconv.Atoi(part); err == nil {
			return n, n
		}
	}
	return 0, 0
}
