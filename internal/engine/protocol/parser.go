package protocol

import (
	"errors"

	"Go2NetLabel/internal/model"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNoLinkLayer is returned when not even the link layer could be decoded.
var ErrNoLinkLayer = errors.New("packet has no decodable link layer")

// ParsePacket decodes the headers of one captured frame. Packets that are not
// IP, or not TCP/UDP, still yield a record with the fields that exist; only
// an undecodable link layer is an error.
func ParsePacket(data []byte, ci gopacket.CaptureInfo, linkType layers.LinkType) (model.RawPacketRecord, error) {
	rec := model.RawPacketRecord{
		Timestamp:     ci.Timestamp,
		Length:        ci.Length,
		CaptureLength: ci.CaptureLength,
	}
	if rec.Length == 0 {
		rec.Length = len(data)
	}
	if rec.CaptureLength == 0 {
		rec.CaptureLength = len(data)
	}

	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	switch l := packet.LinkLayer().(type) {
	case *layers.Ethernet:
		rec.SrcMAC = l.SrcMAC
		rec.DstMAC = l.DstMAC
		rec.EtherType = uint16(l.EthernetType)
	case *layers.LinuxSLL:
		// "-i any" captures carry only the source address.
		rec.SrcMAC = l.Addr
		rec.EtherType = uint16(l.EthernetType)
	case nil:
		if packet.NetworkLayer() == nil {
			return rec, ErrNoLinkLayer
		}
	}

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		rec.SrcIP = ip.SrcIP
		rec.DstIP = ip.DstIP
		rec.Protocol = uint8(ip.Protocol)
		rec.TTL = ip.TTL
	case *layers.IPv6:
		rec.SrcIP = ip.SrcIP
		rec.DstIP = ip.DstIP
		rec.Protocol = uint8(ip.NextHeader)
		rec.TTL = ip.HopLimit
	}

	switch tl := packet.TransportLayer().(type) {
	case *layers.TCP:
		rec.SrcPort = uint16(tl.SrcPort)
		rec.DstPort = uint16(tl.DstPort)
		rec.TCPFlags = tcpFlags(tl)
	case *layers.UDP:
		rec.SrcPort = uint16(tl.SrcPort)
		rec.DstPort = uint16(tl.DstPort)
	}
	return rec, nil
}

// TCP flag bits as they appear in the header.
const (
	FlagFIN uint8 = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	set := func(on bool, bit uint8) {
		if on {
			f |= bit
		}
	}
	set(t.FIN, FlagFIN)
	set(t.SYN, FlagSYN)
	set(t.RST, FlagRST)
	set(t.PSH, FlagPSH)
	set(t.ACK, FlagACK)
	set(t.URG, FlagURG)
	set(t.ECE, FlagECE)
	set(t.CWR, FlagCWR)
	return f
}
