//go:build pcap
// +build pcap

package network

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// maxReplayGap caps the pause between two replayed packets.
const maxReplayGap = time.Second

// ReadPCAPFile replays the UDP payloads sent to udpPort in a capture file.
// With realtime set, packets are paced by their capture timestamps.
// This function is only available when building with the 'pcap' build tag.
func ReadPCAPFile(ctx context.Context, pcapFile string, udpPort int, realtime bool, handle func([]byte) error) error {
	h, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer h.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := h.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	log.Printf("PCAP BPF filter set: %s", filterStr)

	packetSource := gopacket.NewPacketSource(h, h.LinkType())
	packetCount := 0
	startTime := time.Now()
	var lastCapture time.Time

	for {
		select {
		case <-ctx.Done():
			log.Printf("PCAP reader stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				log.Printf("PCAP file reading complete: %d packets processed in %v", packetCount, time.Since(startTime))
				return nil
			}

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}

			if realtime {
				ts := packet.Metadata().Timestamp
				if !lastCapture.IsZero() {
					gap := ts.Sub(lastCapture)
					if gap > maxReplayGap {
						gap = maxReplayGap
					}
					if gap > 0 {
						select {
						case <-ctx.Done():
							return ctx.Err()
						case <-time.After(gap):
						}
					}
				}
				lastCapture = ts
			}

			packetCount++
			if err := handle(udp.Payload); err != nil {
				return err
			}
			if packetCount%10000 == 0 {
				log.Printf("PCAP progress: %d packets", packetCount)
			}
		}
	}
}
