package message

import (
	"sort"
	"strings"
)

// OptionID is a registered CoAP option number (RFC 7252 Section 12.2).
type OptionID uint16

// Option numbers used by this stack.
const (
	IfMatch             OptionID = 1
	URIHost             OptionID = 3
	ETag                OptionID = 4
	IfNoneMatch         OptionID = 5
	Observe             OptionID = 6
	URIPort             OptionID = 7
	LocationPath        OptionID = 8
	URIPath             OptionID = 11
	ContentFormatOption OptionID = 12
	MaxAge              OptionID = 14
	URIQuery            OptionID = 15
	Accept              OptionID = 17
	LocationQuery       OptionID = 20
	Block2              OptionID = 23
	Block1              OptionID = 27
	Size2               OptionID = 28
	ProxyURI            OptionID = 35
	ProxyScheme         OptionID = 39
	Size1               OptionID = 60
)

// IsCritical returns true for odd option numbers, which a receiver must
// understand (Section 5.4.1).
func (o OptionID) IsCritical() bool {
	return o&1 == 1
}

// Option is a single option instance.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is the ordered option list of a message. Repeated options keep
// their relative order; Encode sorts by ID with a stable sort.
type Options []Option

// Clone returns a deep copy.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for i, opt := range o {
		out[i] = Option{ID: opt.ID, Value: append([]byte(nil), opt.Value...)}
	}
	return out
}

// Has reports whether at least one instance of id is present.
func (o Options) Has(id OptionID) bool {
	for _, opt := range o {
		if opt.ID == id {
			return true
		}
	}
	return false
}

// Get returns the value of the first instance of id.
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetAll returns the values of every instance of id, in order.
func (o Options) GetAll(id OptionID) [][]byte {
	var out [][]byte
	for _, opt := range o {
		if opt.ID == id {
			out = append(out, opt.Value)
		}
	}
	return out
}

// Add appends an option instance.
func (o *Options) Add(id OptionID, value []byte) {
	*o = append(*o, Option{ID: id, Value: value})
}

// Set replaces all instances of id with a single value.
func (o *Options) Set(id OptionID, value []byte) {
	o.Remove(id)
	o.Add(id, value)
}

// Remove deletes all instances of id.
func (o *Options) Remove(id OptionID) {
	out := make(Options, 0, len(*o))
	for _, opt := range *o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	*o = out
}

// GetUint returns the first instance of id decoded as a uint option value.
func (o Options) GetUint(id OptionID) (uint32, bool) {
	v, ok := o.Get(id)
	if !ok || len(v) > 4 {
		return 0, false
	}
	return DecodeUint(v), true
}

// SetUint replaces all instances of id with a minimally encoded uint.
func (o *Options) SetUint(id OptionID, v uint32) {
	o.Set(id, EncodeUint(v))
}

// Path returns the Uri-Path segments joined with "/" and a leading slash.
func (o Options) Path() string {
	segs := o.GetAll(URIPath)
	if len(segs) == 0 {
		return "/"
	}
	var b strings.Builder
	for _, s := range segs {
		b.WriteByte('/')
		b.Write(s)
	}
	return b.String()
}

// SetPath replaces Uri-Path options with the segments of path.
// Empty segments are skipped, so "/a//b/" yields ["a", "b"].
func (o *Options) SetPath(path string) {
	o.Remove(URIPath)
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		o.Add(URIPath, []byte(seg))
	}
}

// Queries returns the Uri-Query values as strings.
func (o Options) Queries() []string {
	vals := o.GetAll(URIQuery)
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

// ContentFormat returns the Content-Format option, if present.
func (o Options) ContentFormat() (ContentFormat, bool) {
	v, ok := o.GetUint(ContentFormatOption)
	return ContentFormat(v), ok
}

// sorted returns a copy ordered by option number, stable for repeats.
func (o Options) sorted() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EncodeUint returns the minimal big-endian encoding of v; zero is empty.
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// DecodeUint decodes a big-endian uint option value of up to 4 bytes.
func DecodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
