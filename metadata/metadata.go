// Package metadata provides the string key/value attributes attached to
// vectors and the filter engine used to gate search results.
package metadata

import (
	"encoding/binary"
	"fmt"
)

// Metadata holds the attributes of a single vector.
type Metadata map[string]string

// Clone returns a deep copy of m. A nil map clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether m and other hold the same pairs.
func (m Metadata) Equal(other Metadata) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// MarshalBinary encodes m as a little-endian pair count followed by
// length-prefixed key/value strings. The layout matches the WAL insert
// record's metadata section.
func (m Metadata) MarshalBinary() ([]byte, error) {
	size := 4
	for k, v := range m {
		size += 8 + len(k) + len(v)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m)))
	for k, v := range m {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v)))
		buf = append(buf, v...)
	}
	return buf, nil
}

// UnmarshalBinary decodes the layout produced by MarshalBinary.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	rest, out, err := decodePairs(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("metadata: %d trailing bytes", len(rest))
	}
	*m = out
	return nil
}

// decodePairs reads one encoded metadata section from the front of data and
// returns the unread remainder.
func decodePairs(data []byte) ([]byte, Metadata, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("metadata: truncated pair count")
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if count == 0 {
		return data, nil, nil
	}
	out := make(Metadata, count)
	for i := uint32(0); i < count; i++ {
		var k, v string
		var err error
		if data, k, err = readString(data); err != nil {
			return nil, nil, err
		}
		if data, v, err = readString(data); err != nil {
			return nil, nil, err
		}
		out[k] = v
	}
	return data, out, nil
}

func readString(data []byte) ([]byte, string, error) {
	if len(data) < 4 {
		return nil, "", fmt.Errorf("metadata: truncated string length")
	}
	n := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, "", fmt.Errorf("metadata: truncated string body")
	}
	return data[n:], string(data[:n]), nil
}
