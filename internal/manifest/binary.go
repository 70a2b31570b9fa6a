package manifest

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

const (
	binaryMagic = "VDBCATLG"
	headerSize  = 20
)

// MarshalBinary encodes the catalog.
//
// Format:
//
//	Magic    (8 bytes) - "VDBCATLG"
//	Version  (4 bytes)
//	Length   (4 bytes) - body length
//	Checksum (4 bytes) - CRC32-IEEE of body
//	Body               - JSON
func (c *Catalog) MarshalBinary() ([]byte, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(body))
	copy(out, binaryMagic)
	binary.LittleEndian.PutUint32(out[8:], uint32(c.Version))
	binary.LittleEndian.PutUint32(out[12:], uint32(len(body)))
	binary.LittleEndian.PutUint32(out[16:], crc32.ChecksumIEEE(body))
	return append(out, body...), nil
}

// UnmarshalBinary decodes a catalog written by MarshalBinary.
func (c *Catalog) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize || string(data[:8]) != binaryMagic {
		return fmt.Errorf("%w: invalid magic", ErrCorrupt)
	}
	version := binary.LittleEndian.Uint32(data[8:])
	if version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	length := binary.LittleEndian.Uint32(data[12:])
	body := data[headerSize:]
	if uint32(len(body)) != length {
		return fmt.Errorf("%w: length %d, have %d", ErrCorrupt, length, len(body))
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[16:]) {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if err := json.Unmarshal(body, c); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if c.Version != CurrentVersion {
		return fmt.Errorf("%w: %d", ErrIncompatibleVersion, c.Version)
	}
	return nil
}
