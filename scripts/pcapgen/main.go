// pcapgen writes one synthetic capture per scenario phase, plus the matching
// timeline, so the labeling pipeline can be exercised without a testbed.
package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"path/filepath"
	"time"

	"Go2NetLabel/internal/config"
	"Go2NetLabel/internal/generator"
	"Go2NetLabel/internal/scenario"
	"Go2NetLabel/internal/timeline"
	"Go2NetLabel/pkg/pcap"

	"github.com/google/gopacket/layers"
)

var (
	attackerMAC = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	victimMAC   = net.HardwareAddr{0x00, 0x00, 0x00, 0x00, 0x00, 0x02}
	attackerIP  = net.IP{10, 0, 0, 1}
)

func main() {
	configPath := flag.String("config", "", "Optional configuration file providing the phase list")
	outDir := flag.String("o", "synthetic", "Output directory")
	rate := flag.Int("rate", 200, "Packets per second in each phase")
	scale := flag.Float64("scale", 0.1, "Fraction of each configured phase duration to generate")
	corrupt := flag.Float64("corrupt", 0, "Fraction of timestamps to corrupt")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	tracker := timeline.NewTracker()
	clock := time.Now().Truncate(time.Second)
	step := time.Second / time.Duration(max(*rate, 1))

	for _, p := range cfg.Scenario.Phases {
		kind, err := generator.ParseKind(p.Kind)
		if err != nil {
			log.Fatalf("Phase %s: %v", p.Name, err)
		}
		span := time.Duration(float64(p.Duration) * *scale)
		if err := tracker.OpenInterval(p.Label, clock); err != nil {
			log.Fatalf("Phase %s: %v", p.Name, err)
		}

		path := filepath.Join(*outDir, scenario.CapturesDir, p.Name+".pcap")
		n, err := writePhase(path, kind, victimOf(p), clock, span, step, *corrupt, cfg.Generators.TargetPort, rng)
		if err != nil {
			log.Fatalf("Phase %s: %v", p.Name, err)
		}
		log.Printf("Wrote %d packets for phase %s (%s) into %s", n, p.Name, p.Label, path)
		clock = clock.Add(span)
	}
	tracker.Close(clock)

	if err := tracker.Save(filepath.Join(*outDir, scenario.TimelineFile)); err != nil {
		log.Fatalf("Failed to save timeline: %v", err)
	}
	log.Printf("Timeline with %d intervals saved in %s", tracker.Len(), *outDir)
}

func victimOf(p config.PhaseDef) net.IP {
	if ip := net.ParseIP(p.Victim); ip != nil {
		return ip
	}
	return net.IP{10, 0, 0, 2}
}

// writePhase writes one packet every step over [start, start+span). Idle
// phases still carry sparse background traffic.
func writePhase(path string, kind generator.Kind, victim net.IP, start time.Time, span, step time.Duration, corrupt float64, port int, rng *rand.Rand) (int, error) {
	w, err := pcap.Create(path)
	if err != nil {
		return 0, err
	}
	defer w.Close()

	if kind == generator.KindIdle || kind == generator.KindBenign {
		step *= 10
	}

	n := 0
	for ts := start; ts.Before(start.Add(span)); ts = ts.Add(step) {
		data, err := frameFor(kind, victim, port, rng).Bytes()
		if err != nil {
			return n, err
		}
		stamp := ts
		if corrupt > 0 && rng.Float64() < corrupt {
			stamp = corruptStamp(ts, rng)
		}
		if err := w.WritePacket(stamp, data); err != nil {
			return n, err
		}
		n++
	}
	return n, w.Close()
}

func frameFor(kind generator.Kind, victim net.IP, port int, rng *rand.Rand) pcap.Frame {
	fr := pcap.Frame{
		SrcMAC:  attackerMAC,
		DstMAC:  victimMAC,
		SrcIP:   attackerIP,
		DstIP:   victim,
		SrcPort: uint16(rng.Intn(65535-1024) + 1024),
		DstPort: uint16(port),
	}
	switch kind {
	case generator.KindSYNFlood:
		fr.Proto = layers.IPProtocolTCP
		fr.SYN = true
		fr.SrcIP = net.IP{byte(rng.Intn(223) + 1), byte(rng.Intn(256)), byte(rng.Intn(256)), byte(rng.Intn(254) + 1)}
	case generator.KindUDPFlood:
		fr.Proto = layers.IPProtocolUDP
		fr.Payload = make([]byte, rng.Intn(1000)+64)
	case generator.KindICMPFlood:
		fr.Proto = layers.IPProtocolICMPv4
		fr.Payload = make([]byte, 56)
	case generator.KindHTTPFlood:
		fr.Proto = layers.IPProtocolTCP
		fr.ACK = true
		fr.Payload = []byte("GET / HTTP/1.1\r\nHost: victim\r\n\r\n")
	default:
		fr.Proto = layers.IPProtocolICMPv4
		fr.Payload = make([]byte, 56)
	}
	return fr
}

// corruptStamp mimics the faults seen in real captures: an epoch-zero
// clock, a far-future jump and a small step backwards.
func corruptStamp(ts time.Time, rng *rand.Rand) time.Time {
	switch rng.Intn(3) {
	case 0:
		return time.Unix(int64(rng.Intn(3600)), 0)
	case 1:
		return ts.Add(time.Duration(rng.Intn(365)+30) * 24 * time.Hour)
	default:
		return ts.Add(-time.Duration(rng.Intn(30)+5) * time.Second)
	}
}
