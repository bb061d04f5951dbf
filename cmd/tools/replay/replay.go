package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/framer"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
	"github.com/banshee-data/vision-bridge/internal/timeutil"
)

// pcapngMagic is the section header block type that opens a pcapng file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// replayStats summarises one capture.
type replayStats struct {
	Packets     int
	Segments    int
	Bytes       int
	Records     int
	Batches     int
	ParseErrors int
	Connections int
}

// packetSource opens r as pcap or pcapng, whichever its header says.
func packetSource(r io.Reader) (*gopacket.PacketSource, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(head, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, fmt.Errorf("open pcapng: %w", err)
		}
		return gopacket.NewPacketSource(ng, ng.LinkType()), nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	return gopacket.NewPacketSource(pr, pr.LinkType()), nil
}

// stream tracks one sensor-to-client TCP flow.
type stream struct {
	next   uint32
	framer *framer.Framer
}

// replay feeds the TCP payload sent from sensorPort through the framer and
// parser, in capture order, and calls emit for every parsed batch. Each
// record is timestamped with the capture time of the segment that completed
// it. Retransmitted bytes are dropped; a SYN starts the flow over.
func replay(r io.Reader, sensorPort int, policy framer.Policy, device detection.DeviceInfo,
	emit func(detection.RecognizedObjects, detection.Set)) (replayStats, error) {
	var stats replayStats

	src, err := packetSource(r)
	if err != nil {
		return stats, err
	}
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

	clock := timeutil.NewMockClock(time.Time{})
	parser := detection.NewParser(device, detection.WithClock(clock))
	streams := map[gopacket.Flow]*stream{}

	for packet := range src.Packets() {
		stats.Packets++
		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || int(tcp.SrcPort) != sensorPort {
			continue
		}
		nl := packet.NetworkLayer()
		if nl == nil {
			continue
		}
		key := nl.NetworkFlow()

		s := streams[key]
		if tcp.SYN || s == nil {
			if tcp.SYN {
				stats.Connections++
			}
			s = &stream{next: tcp.Seq, framer: framer.New()}
			if tcp.SYN {
				s.next = tcp.Seq + 1
			}
			streams[key] = s
		}

		payload := tcp.Payload
		if len(payload) == 0 {
			continue
		}
		// sequence arithmetic is modulo 2^32
		if overlap := int32(s.next - tcp.Seq); overlap > 0 {
			if int(overlap) >= len(payload) {
				continue
			}
			payload = payload[overlap:]
		}
		s.next = tcp.Seq + uint32(len(tcp.Payload))
		stats.Segments++
		stats.Bytes += len(payload)

		clock.Set(packet.Metadata().Timestamp)
		records := s.framer.Feed(payload)
		stats.Records += len(records)
		for _, rec := range framer.Select(policy, records) {
			batch, set, err := parser.Parse(rec)
			if err != nil {
				stats.ParseErrors++
				monitoring.Warnf("[replay] packet %d: %v", stats.Packets, err)
				continue
			}
			stats.Batches++
			emit(batch, set)
		}
	}
	return stats, nil
}
