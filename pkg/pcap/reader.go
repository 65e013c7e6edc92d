// Package pcap reads and writes capture files in pcap and pcapng format
// without libpcap.
package pcap

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"Go2NetLabel/internal/engine/protocol"
	"Go2NetLabel/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var ngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader reads decoded packet records from a capture file.
type Reader struct {
	f   *os.File
	src packetSource

	// Truncated is set when the file ended in the middle of a packet, as
	// happens when a capture is killed while writing.
	Truncated bool
	// Undecodable counts frames that were skipped.
	Undecodable int
}

// NewReader opens a pcap or pcapng file.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", filePath, io.ErrUnexpectedEOF)
		}
		return nil, err
	}

	var src packetSource
	if bytes.Equal(magic, ngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: not a capture file: %w", filePath, err)
	}
	return &Reader{f: f, src: src}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// LinkType returns the link type of the capture.
func (r *Reader) LinkType() layers.LinkType { return r.src.LinkType() }

// ReadPackets decodes every packet and passes it to fn in file order. It
// stops early when ctx is done or fn returns an error.
func (r *Reader) ReadPackets(ctx context.Context, fn func(model.RawPacketRecord) error) error {
	linkType := r.src.LinkType()
	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		data, ci, err := r.src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			r.Truncated = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read packet %d: %w", n, err)
		}

		rec, err := protocol.ParsePacket(data, ci, linkType)
		if err != nil {
			r.Undecodable++
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ReadAll returns every decodable record of the file.
func (r *Reader) ReadAll(ctx context.Context) ([]model.RawPacketRecord, error) {
	var out []model.RawPacketRecord
	err := r.ReadPackets(ctx, func(rec model.RawPacketRecord) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}
