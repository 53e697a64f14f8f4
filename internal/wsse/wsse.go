// Package wsse builds WS-Security UsernameToken headers with digest passwords.
package wsse

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"time"
)

const (
	// NonceSize is the number of random bytes in every nonce.
	NonceSize = 16
	// Lifetime is the validity window advertised in the Timestamp element.
	Lifetime = 5 * time.Minute
	// TimeLayout renders UTC timestamps to the second with a Z suffix.
	TimeLayout = "2006-01-02T15:04:05Z"

	secextNS       = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	utilityNS      = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	passwordDigest = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	base64Binary   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
)

// Token is the per-request proof of a password. A token must not be sent twice.
type Token struct {
	Username string
	Nonce    []byte
	Created  string
	Expires  string
	Digest   string
}

// Generate creates a token stamped with the current time.
func Generate(username, password string) (Token, error) {
	return GenerateAt(username, password, time.Now())
}

// GenerateAt creates a token stamped with created. Callers that track device
// clock drift pass the adjusted device time.
func GenerateAt(username, password string, created time.Time) (Token, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Token{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	created = created.UTC().Truncate(time.Second)
	stamp := created.Format(TimeLayout)

	return Token{
		Username: username,
		Nonce:    nonce,
		Created:  stamp,
		Expires:  created.Add(Lifetime).Format(TimeLayout),
		Digest:   Digest(nonce, stamp, password),
	}, nil
}

// Digest returns base64(SHA-1(nonce + created + password)).
func Digest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// EncodedNonce returns the nonce as sent on the wire.
func (t Token) EncodedNonce() string {
	return base64.StdEncoding.EncodeToString(t.Nonce)
}

type security struct {
	XMLName        xml.Name      `xml:"Security"`
	XMLNS          string        `xml:"xmlns,attr"`
	MustUnderstand string        `xml:"s:mustUnderstand,attr"`
	UsernameToken  usernameToken `xml:"UsernameToken"`
	Timestamp      timestamp     `xml:"Timestamp"`
}

type usernameToken struct {
	Username string      `xml:"Username"`
	Password typedText   `xml:"Password"`
	Nonce    encodedText `xml:"Nonce"`
	Created  utilityText `xml:"Created"`
}

type typedText struct {
	Type  string `xml:"Type,attr"`
	Value string `xml:",chardata"`
}

type encodedText struct {
	EncodingType string `xml:"EncodingType,attr"`
	Value        string `xml:",chardata"`
}

type utilityText struct {
	XMLNS string `xml:"xmlns,attr"`
	Value string `xml:",chardata"`
}

type timestamp struct {
	XMLNS   string `xml:"xmlns,attr"`
	Created string `xml:"Created"`
	Expires string `xml:"Expires"`
}

// Header renders the Security element for a SOAP 1.2 header whose envelope
// binds the "s" prefix.
func (t Token) Header() ([]byte, error) {
	out, err := xml.Marshal(security{
		XMLNS:          secextNS,
		MustUnderstand: "1",
		UsernameToken: usernameToken{
			Username: t.Username,
			Password: typedText{Type: passwordDigest, Value: t.Digest},
			Nonce:    encodedText{EncodingType: base64Binary, Value: t.EncodedNonce()},
			Created:  utilityText{XMLNS: utilityNS, Value: t.Created},
		},
		Timestamp: timestamp{XMLNS: utilityNS, Created: t.Created, Expires: t.Expires},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal security header: %w", err)
	}
	return out, nil
}
