package discovery

import (
	"fmt"
	"slices"
	"strings"
)

// TXT record keys. The values follow the CoRE Link Format attributes
// (RFC 6690 Section 3) so a browser can filter endpoints the same way it
// would filter /.well-known/core links.
const (
	// TXTKeyResourceType carries space-separated resource types ("rt").
	TXTKeyResourceType = "rt"

	// TXTKeyInterface carries space-separated interface descriptions ("if").
	TXTKeyInterface = "if"
)

// MaxTXTStringLength is the maximum length of a single TXT character-string
// (RFC 6763 Section 6.1).
const MaxTXTStringLength = 255

// TXT describes the TXT record of an advertised CoAP endpoint.
type TXT struct {
	// ResourceTypes are the rt= values, e.g. "temperature-c".
	ResourceTypes []string

	// Interfaces are the if= values, e.g. "sensor".
	Interfaces []string

	// Attributes holds any additional key=value pairs.
	Attributes map[string]string
}

// Encode converts the TXT record to DNS-SD format strings. Additional
// attributes are emitted in key order so the output is stable.
func (t *TXT) Encode() []string {
	var txt []string

	if len(t.ResourceTypes) > 0 {
		txt = append(txt, TXTKeyResourceType+"="+strings.Join(t.ResourceTypes, " "))
	}
	if len(t.Interfaces) > 0 {
		txt = append(txt, TXTKeyInterface+"="+strings.Join(t.Interfaces, " "))
	}

	keys := make([]string, 0, len(t.Attributes))
	for k := range t.Attributes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		txt = append(txt, k+"="+t.Attributes[k])
	}

	return txt
}

// Validate checks that every value can be encoded and parsed back.
func (t *TXT) Validate() error {
	for _, list := range [][]string{t.ResourceTypes, t.Interfaces} {
		for _, v := range list {
			if v == "" || strings.ContainsAny(v, " \t") {
				return fmt.Errorf("%w: value %q", ErrInvalidTXTRecord, v)
			}
		}
	}

	for k := range t.Attributes {
		if k == "" || strings.ContainsRune(k, '=') {
			return fmt.Errorf("%w: key %q", ErrInvalidTXTRecord, k)
		}
		if k == TXTKeyResourceType || k == TXTKeyInterface {
			return fmt.Errorf("%w: reserved key %q", ErrInvalidTXTRecord, k)
		}
	}

	for _, record := range t.Encode() {
		if len(record) > MaxTXTStringLength {
			return fmt.Errorf("%w: record exceeds %d bytes", ErrInvalidTXTRecord, MaxTXTStringLength)
		}
	}
	return nil
}

// HasResourceType reports whether rt is one of the advertised resource types.
func (t *TXT) HasResourceType(rt string) bool {
	return slices.Contains(t.ResourceTypes, rt)
}

// ParseTXT parses raw TXT record strings into a map.
// Records without '=' or with an empty key are ignored.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			result[record[:idx]] = record[idx+1:]
		}
	}
	return result
}

// ParseServiceTXT parses raw TXT records into a TXT.
func ParseServiceTXT(records []string) (*TXT, error) {
	txt := &TXT{}
	for key, value := range ParseTXT(records) {
		switch key {
		case TXTKeyResourceType:
			txt.ResourceTypes = strings.Fields(value)
		case TXTKeyInterface:
			txt.Interfaces = strings.Fields(value)
		default:
			if txt.Attributes == nil {
				txt.Attributes = make(map[string]string)
			}
			txt.Attributes[key] = value
		}
	}

	for _, record := range records {
		if len(record) > MaxTXTStringLength {
			return nil, ErrInvalidTXTRecord
		}
	}
	return txt, nil
}
