package pcap

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Writer writes Ethernet frames to a classic pcap file.
type Writer struct {
	f  *os.File
	bw *bufio.Writer
	w  *pcapgo.Writer
}

// Create creates path and writes the file header.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriter(f)
	w := pcapgo.NewWriter(bw)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{f: f, bw: bw, w: w}, nil
}

// WritePacket appends one frame captured at ts.
func (w *Writer) WritePacket(ts time.Time, data []byte) error {
	return w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Frame describes a synthetic frame. Proto is an IP protocol number; TCP,
// UDP and ICMPv4 are supported.
type Frame struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	Proto            layers.IPProtocol
	SrcPort, DstPort uint16
	SYN, ACK         bool
	TTL              uint8
	Payload          []byte
}

// Bytes serializes the frame with valid lengths and checksums.
func (fr Frame) Bytes() ([]byte, error) {
	ttl := fr.TTL
	if ttl == 0 {
		ttl = 64
	}
	eth := &layers.Ethernet{SrcMAC: fr.SrcMAC, DstMAC: fr.DstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: ttl, Protocol: fr.Proto, SrcIP: fr.SrcIP.To4(), DstIP: fr.DstIP.To4()}

	var l4 gopacket.SerializableLayer
	switch fr.Proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(fr.SrcPort),
			DstPort: layers.TCPPort(fr.DstPort),
			SYN:     fr.SYN,
			ACK:     fr.ACK,
			Window:  14600,
		}
		tcp.SetNetworkLayerForChecksum(ip)
		l4 = tcp
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(fr.SrcPort), DstPort: layers.UDPPort(fr.DstPort)}
		udp.SetNetworkLayerForChecksum(ip)
		l4 = udp
	case layers.IPProtocolICMPv4:
		l4 = &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}
	default:
		return nil, fmt.Errorf("unsupported protocol %s", fr.Proto)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, l4, gopacket.Payload(fr.Payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}
