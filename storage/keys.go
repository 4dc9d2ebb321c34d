package storage

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Tuple component tags. Strings sort before integers, and integers are
// big-endian so byte order equals numeric order.
const (
	tagString byte = 0x02
	tagUint   byte = 0x21
)

// Key encodes a hierarchical tuple key such as ("records", addr, uint64(7)).
// Supported parts are string and unsigned integers. Key panics on other types
// and on strings containing NUL, both of which are programmer errors.
func Key(parts ...any) []byte {
	out := make([]byte, 0, 64)
	for _, part := range parts {
		switch v := part.(type) {
		case string:
			if strings.IndexByte(v, 0) >= 0 {
				panic(fmt.Sprintf("storage: key part %q contains NUL", v))
			}
			out = append(out, tagString)
			out = append(out, v...)
			out = append(out, 0x00)
		case uint64:
			out = appendUint(out, v)
		case uint32:
			out = appendUint(out, uint64(v))
		case uint:
			out = appendUint(out, uint64(v))
		default:
			panic(fmt.Sprintf("storage: unsupported key part %T", part))
		}
	}
	return out
}

func appendUint(out []byte, v uint64) []byte {
	out = append(out, tagUint)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(out, buf[:]...)
}

// TrailingUint decodes the last tuple component of key when it is an integer.
func TrailingUint(key []byte) (uint64, bool) {
	if len(key) < 9 || key[len(key)-9] != tagUint {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]), true
}
