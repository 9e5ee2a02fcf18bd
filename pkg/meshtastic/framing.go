// Copyright 2024-2026 Aiku AI

package meshtastic

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameStart1 = 0x94
	frameStart2 = 0xc3
	// MaxFrameSize is the largest protobuf payload the stream API carries.
	MaxFrameSize = 512
)

// frameReader splits a radio's byte stream into protobuf frames. Bytes
// outside a frame are the radio's debug console and are discarded.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// Next returns the next complete frame payload.
func (fr *frameReader) Next() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			continue
		}
		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart2 {
			if b == frameStart1 {
				_ = fr.r.UnreadByte()
			}
			continue
		}
		var hdr [2]byte
		if _, err = io.ReadFull(fr.r, hdr[:]); err != nil {
			return nil, err
		}
		size := int(binary.BigEndian.Uint16(hdr[:]))
		if size > MaxFrameSize {
			// Corrupt header, resync on the next start marker.
			continue
		}
		payload := make([]byte, size)
		if _, err = io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

// encodeFrame prefixes payload with the stream header.
func encodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 4, 4+len(payload))
	frame[0] = frameStart1
	frame[1] = frameStart2
	binary.BigEndian.PutUint16(frame[2:], uint16(len(payload)))
	return append(frame, payload...), nil
}
