package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

const locWireBSON = "SYN_WIR_020"

// BSON element type tags used by the sync protocol. The protocol only
// ever emits this narrow subset (documents/arrays of strings, 32/64-bit
// integers, doubles, booleans, null and binary), so the decoder below
// covers exactly that surface and rejects everything else.
const (
	bsonDouble    = 0x01
	bsonString    = 0x02
	bsonDocument  = 0x03
	bsonArray     = 0x04
	bsonBinary    = 0x05
	bsonBoolean   = 0x08
	bsonNull      = 0x0A
	bsonInt32     = 0x10
	bsonInt64     = 0x12
)

// DecodeBSONLine parses a `line_binary` payload into a Line by decoding
// the BSON document into a generic value tree, re-serializing it as JSON,
// and reusing the JSON line decoder — the two wire encodings carry
// identical field semantics, so there is no need to duplicate
// the Line-shape validation.
func DecodeBSONLine(payload []byte) (*Line, error) {
	doc, _, err := decodeBSONDocument(payload, 0)
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassProtocol, locWireBSON, "Sync protocol error: malformed BSON line", err)
	}

	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, synccore.Wrap(synccore.ClassProtocol, locWireBSON, "Sync protocol error: BSON line could not be re-encoded", err)
	}

	return DecodeJSONLine(asJSON)
}

// decodeBSONDocument decodes one BSON document (or array, which is wire
// compatible with a document whose keys are array indices) starting at
// offset, returning the decoded value and the offset just past it.
func decodeBSONDocument(buf []byte, offset int) (map[string]any, int, error) {
	if offset+4 > len(buf) {
		return nil, 0, fmt.Errorf("truncated bson document header at offset %d", offset)
	}
	length := int(int32(binary.LittleEndian.Uint32(buf[offset:])))
	if length < 5 || offset+length > len(buf) {
		return nil, 0, fmt.Errorf("invalid bson document length %d at offset %d", length, offset)
	}

	end := offset + length - 1 // position of the terminating 0x00
	pos := offset + 4
	out := make(map[string]any)

	for pos < end {
		if pos >= len(buf) {
			return nil, 0, fmt.Errorf("truncated bson element at offset %d", pos)
		}
		elemType := buf[pos]
		pos++

		name, nameEnd, err := readCString(buf, pos)
		if err != nil {
			return nil, 0, err
		}
		pos = nameEnd

		value, next, err := decodeBSONValue(buf, pos, elemType)
		if err != nil {
			return nil, 0, err
		}
		pos = next
		out[name] = value
	}

	if pos != end || buf[end] != 0x00 {
		return nil, 0, fmt.Errorf("bson document not terminated correctly at offset %d", end)
	}

	return out, end + 1, nil
}

func decodeBSONArray(buf []byte, offset int) ([]any, int, error) {
	doc, next, err := decodeBSONDocument(buf, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]any, len(doc))
	for i := range out {
		v, ok := doc[fmt.Sprintf("%d", i)]
		if !ok {
			return nil, 0, fmt.Errorf("bson array missing index %d", i)
		}
		out[i] = v
	}
	return out, next, nil
}

func decodeBSONValue(buf []byte, offset int, elemType byte) (any, int, error) {
	switch elemType {
	case bsonDouble:
		if offset+8 > len(buf) {
			return nil, 0, fmt.Errorf("truncated bson double at offset %d", offset)
		}
		bits := binary.LittleEndian.Uint64(buf[offset:])
		return math.Float64frombits(bits), offset + 8, nil

	case bsonString:
		return readBSONString(buf, offset)

	case bsonDocument:
		doc, next, err := decodeBSONDocument(buf, offset)
		return doc, next, err

	case bsonArray:
		arr, next, err := decodeBSONArray(buf, offset)
		return arr, next, err

	case bsonBinary:
		if offset+5 > len(buf) {
			return nil, 0, fmt.Errorf("truncated bson binary header at offset %d", offset)
		}
		n := int(int32(binary.LittleEndian.Uint32(buf[offset:])))
		start := offset + 5
		if n < 0 || start+n > len(buf) {
			return nil, 0, fmt.Errorf("invalid bson binary length %d at offset %d", n, offset)
		}
		return base64.StdEncoding.EncodeToString(buf[start : start+n]), start + n, nil

	case bsonBoolean:
		if offset+1 > len(buf) {
			return nil, 0, fmt.Errorf("truncated bson bool at offset %d", offset)
		}
		return buf[offset] != 0, offset + 1, nil

	case bsonNull:
		return nil, offset, nil

	case bsonInt32:
		if offset+4 > len(buf) {
			return nil, 0, fmt.Errorf("truncated bson int32 at offset %d", offset)
		}
		return int64(int32(binary.LittleEndian.Uint32(buf[offset:]))), offset + 4, nil

	case bsonInt64:
		if offset+8 > len(buf) {
			return nil, 0, fmt.Errorf("truncated bson int64 at offset %d", offset)
		}
		return int64(binary.LittleEndian.Uint64(buf[offset:])), offset + 8, nil

	default:
		return nil, 0, fmt.Errorf("unsupported bson element type 0x%02x at offset %d", elemType, offset)
	}
}

func readBSONString(buf []byte, offset int) (string, int, error) {
	if offset+4 > len(buf) {
		return "", 0, fmt.Errorf("truncated bson string header at offset %d", offset)
	}
	n := int(int32(binary.LittleEndian.Uint32(buf[offset:])))
	start := offset + 4
	if n < 1 || start+n > len(buf) {
		return "", 0, fmt.Errorf("invalid bson string length %d at offset %d", n, offset)
	}
	// n includes the trailing NUL.
	return string(buf[start : start+n-1]), start + n, nil
}

func readCString(buf []byte, offset int) (string, int, error) {
	for i := offset; i < len(buf); i++ {
		if buf[i] == 0x00 {
			return string(buf[offset:i]), i + 1, nil
		}
	}
	return "", 0, fmt.Errorf("unterminated bson cstring at offset %d", offset)
}
