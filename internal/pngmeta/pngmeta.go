// Package pngmeta injects auxiliary chunks into finished PNG images: a
// pHYs chunk for DPI, or tEXt/zTXt chunks carrying diagram metadata. The
// new chunk always lands immediately before the first IDAT chunk; every
// other byte of the stream is copied untouched.
package pngmeta

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// ErrDecode marks a malformed PNG stream (bad magic, truncated chunks, or
// a missing IDAT chunk).
var ErrDecode = errors.New("png decode failed")

const (
	pngMagic1 = 0x89504e47
	pngMagic2 = 0x0d0a1a0a

	// metersPerInch converts DPI to the pHYs pixels-per-meter unit.
	metersPerInch = 0.0254
	// defaultDPM is used when the dpi value is not numeric (3937 ppm = 100 dpi).
	defaultDPM = 3937
)

// Inject writes one new chunk before the first IDAT chunk and returns the
// rebuilt buffer.
//
// Key "dpi" produces a pHYs chunk with text parsed as a DPI number. Any
// other key produces tEXt (plain) or, when compressed, zTXt holding the
// raw-deflate of the URL-encoded text. Chunk keys longer than 79 bytes are
// the caller's responsibility.
func Inject(png []byte, key, text string, compressed bool) ([]byte, error) {
	if len(png) < 8 {
		return nil, fmt.Errorf("%w: truncated signature", ErrDecode)
	}
	if binary.BigEndian.Uint32(png[0:4]) != pngMagic1 || binary.BigEndian.Uint32(png[4:8]) != pngMagic2 {
		return nil, fmt.Errorf("%w: bad magic", ErrDecode)
	}

	tag, payload, err := buildChunk(key, text, compressed)
	if err != nil {
		return nil, err
	}

	out := bytes.NewBuffer(make([]byte, 0, len(png)+len(payload)+12))
	out.Write(png[:8])

	offset := 8
	for offset < len(png) {
		if offset+8 > len(png) {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrDecode)
		}
		length := int(binary.BigEndian.Uint32(png[offset : offset+4]))
		chunkType := string(png[offset+4 : offset+8])

		if chunkType == "IDAT" {
			writeChunk(out, tag, payload)
			out.Write(png[offset:])
			return out.Bytes(), nil
		}

		end := offset + 8 + length + 4
		if end > len(png) {
			return nil, fmt.Errorf("%w: truncated %s chunk", ErrDecode, chunkType)
		}
		out.Write(png[offset:end])
		offset = end
	}
	return nil, fmt.Errorf("%w: no IDAT chunk", ErrDecode)
}

func buildChunk(key, text string, compressed bool) (tag string, payload []byte, err error) {
	if key == "dpi" {
		dpm := defaultDPM
		if n, convErr := strconv.Atoi(strings.TrimSpace(text)); convErr == nil && n > 0 {
			dpm = int(math.Round(float64(n) / metersPerInch))
		}
		payload = make([]byte, 9)
		binary.BigEndian.PutUint32(payload[0:4], uint32(dpm))
		binary.BigEndian.PutUint32(payload[4:8], uint32(dpm))
		payload[8] = 1 // unit: meters
		return "pHYs", payload, nil
	}

	if compressed {
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return "", nil, err
		}
		if _, err := w.Write([]byte(escapeComponent(text))); err != nil {
			return "", nil, err
		}
		if err := w.Close(); err != nil {
			return "", nil, err
		}
		payload = append(payload, key...)
		payload = append(payload, 0, 0) // key terminator, compression method
		payload = append(payload, buf.Bytes()...)
		return "zTXt", payload, nil
	}

	payload = append(payload, key...)
	payload = append(payload, 0)
	payload = append(payload, text...)
	return "tEXt", payload, nil
}

func writeChunk(out *bytes.Buffer, tag string, payload []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	out.Write(length[:])
	out.WriteString(tag)
	out.Write(payload)

	crc := uint32(0xffffffff)
	crc = crcJam(crc, []byte(tag))
	crc = crcJam(crc, payload)

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc^0xffffffff)
	out.Write(sum[:])
}

var ieeeTable = crc32.MakeTable(crc32.IEEE)

// crcJam advances a CRC-32 register seeded with all ones and never
// complemented; the caller applies the final XOR.
func crcJam(crc uint32, p []byte) uint32 {
	for _, b := range p {
		crc = ieeeTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}

// escapeComponent URL-encodes like the editor's encodeURIComponent: spaces
// become %20, never +.
func escapeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
