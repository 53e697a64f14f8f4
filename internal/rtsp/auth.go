package rtsp

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

type challenge struct {
	scheme string
	realm  string
	nonce  string
	opaque string
	qop    string
}

// parseChallenges picks the strongest scheme offered in WWW-Authenticate headers.
func parseChallenges(values []string) (*challenge, error) {
	var basic *challenge
	for _, v := range values {
		scheme, rest, _ := strings.Cut(strings.TrimSpace(v), " ")
		params := parseAuthParams(rest)
		switch strings.ToLower(scheme) {
		case "digest":
			return &challenge{
				scheme: "Digest",
				realm:  params["realm"],
				nonce:  params["nonce"],
				opaque: params["opaque"],
				qop:    params["qop"],
			}, nil
		case "basic":
			basic = &challenge{scheme: "Basic", realm: params["realm"]}
		}
	}
	if basic == nil {
		return nil, fmt.Errorf("%w: no supported authentication scheme in %q", ErrAuthentication, values)
	}
	return basic, nil
}

func parseAuthParams(s string) map[string]string {
	params := make(map[string]string)
	for len(s) > 0 {
		s = strings.TrimLeft(s, " ,")
		key, rest, ok := strings.Cut(s, "=")
		if !ok {
			break
		}
		key = strings.ToLower(strings.TrimSpace(key))
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				val, s = rest[1:], ""
			} else {
				val, s = rest[1:end+1], rest[end+2:]
			}
		} else {
			val, s, _ = strings.Cut(rest, ",")
		}
		params[key] = strings.TrimSpace(val)
	}
	return params
}

func (ch *challenge) authorization(method, uri, username, password string) string {
	if ch.scheme == "Basic" {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	ha1 := md5hex(username + ":" + ch.realm + ":" + password)
	ha2 := md5hex(method + ":" + uri)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`, username, ch.realm, ch.nonce, uri)

	if qopAuth(ch.qop) {
		cnonce := clientNonce()
		const nc = "00000001"
		fmt.Fprintf(&b, `, response="%s", qop=auth, nc=%s, cnonce="%s"`,
			md5hex(ha1+":"+ch.nonce+":"+nc+":"+cnonce+":auth:"+ha2), nc, cnonce)
	} else {
		fmt.Fprintf(&b, `, response="%s"`, md5hex(ha1+":"+ch.nonce+":"+ha2))
	}
	if ch.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, ch.opaque)
	}
	return b.String()
}

func qopAuth(qop string) bool {
	for _, q := range strings.Split(qop, ",") {
		if strings.TrimSpace(q) == "auth" {
			return true
		}
	}
	return false
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func clientNonce() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
