package fat

import (
	"golang.org/x/text/encoding/charmap"
)

// OEMCodepage encodes/decodes FAT 8.3 short names between the volume's
// OEM code page and Go's native UTF-8 strings, defaulting to IBM437 —
// the universal FAT OEM code page absent an override.
type OEMCodepage struct {
	enc *charmap.Charmap
}

// DefaultOEMCodepage returns the IBM437 codec.
func DefaultOEMCodepage() OEMCodepage {
	return OEMCodepage{enc: charmap.CodePage437}
}

// Encode converts a UTF-8 short name into OEM bytes, replacing any
// character the code page cannot represent with '_' (FatFs's own
// replacement convention for unmappable 8.3 characters).
func (c OEMCodepage) Encode(name string) []byte {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		b, ok := c.enc.EncodeRune(r)
		if !ok {
			b = '_'
		}
		out = append(out, b)
	}
	return out
}

// Decode converts OEM-encoded short-name bytes back into a UTF-8 string.
func (c OEMCodepage) Decode(raw []byte) string {
	out := make([]rune, len(raw))
	for i, b := range raw {
		out[i] = c.enc.DecodeByte(b)
	}
	return string(out)
}
