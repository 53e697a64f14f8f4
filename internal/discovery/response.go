package discovery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clbanning/mxj"
)

var (
	// ErrUnrelated marks a response that answers a different probe.
	ErrUnrelated = errors.New("response is not related to discovery request")
	// ErrNoAddress marks a ProbeMatches response without a service address.
	ErrNoAddress = errors.New("response has no service address")
)

// ParseProbeMatches extracts the first XAddrs entry of every ProbeMatch in a
// WS-Discovery response. When messageID is set, a response whose RelatesTo
// names another message is rejected.
func ParseProbeMatches(data []byte, messageID string) ([]string, error) {
	m, err := mxj.NewMapXml(data)
	if err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if _, err := m.ValueForPath("Envelope.Body"); err != nil {
		return nil, fmt.Errorf("malformed response: missing body")
	}

	if messageID != "" {
		if related := text(m, "Envelope.Header.RelatesTo"); related != "" && related != messageID {
			return nil, ErrUnrelated
		}
	}

	matches, err := m.ValuesForPath("Envelope.Body.ProbeMatches.ProbeMatch")
	if err != nil || len(matches) == 0 {
		return nil, ErrNoAddress
	}

	var addrs []string
	for _, match := range matches {
		pm, ok := match.(map[string]interface{})
		if !ok {
			continue
		}
		fields := strings.Fields(text(mxj.Map(pm), "XAddrs"))
		if len(fields) == 0 {
			continue
		}
		addrs = append(addrs, fields[0])
	}
	if len(addrs) == 0 {
		return nil, ErrNoAddress
	}
	return addrs, nil
}

func text(m mxj.Map, path string) string {
	v, err := m.ValueForPath(path)
	if err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]interface{}:
		s, _ := t["#text"].(string)
		return strings.TrimSpace(s)
	}
	return ""
}
