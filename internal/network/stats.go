package network

import (
	"log"
	"sync"
	"time"
)

// PacketStats counts received and dropped datagrams. The zero value is
// ready to use.
type PacketStats struct {
	mu        sync.Mutex
	packets   uint64
	bytes     uint64
	dropped   uint64
	lastReset time.Time
}

// PacketCounts is a copy of the counters.
type PacketCounts struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
	Dropped uint64 `json:"dropped"`
}

// AddPacket records a received datagram of n bytes.
func (s *PacketStats) AddPacket(n int) {
	s.mu.Lock()
	s.packets++
	s.bytes += uint64(n)
	s.mu.Unlock()
}

// AddDropped records a datagram that could not be forwarded.
func (s *PacketStats) AddDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// Counts returns the counters without resetting them.
func (s *PacketStats) Counts() PacketCounts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PacketCounts{Packets: s.packets, Bytes: s.bytes, Dropped: s.dropped}
}

// LogStats logs the rate since the previous call and resets the counters.
func (s *PacketStats) LogStats() {
	s.mu.Lock()
	now := time.Now()
	elapsed := now.Sub(s.lastReset)
	packets, bytes, dropped := s.packets, s.bytes, s.dropped
	s.packets, s.bytes, s.dropped = 0, 0, 0
	first := s.lastReset.IsZero()
	s.lastReset = now
	s.mu.Unlock()

	if first || elapsed <= 0 {
		return
	}
	log.Printf("UDP: %d datagrams (%.1f/s, %.1f KB/s), %d forward drops",
		packets, float64(packets)/elapsed.Seconds(), float64(bytes)/1024/elapsed.Seconds(), dropped)
}
