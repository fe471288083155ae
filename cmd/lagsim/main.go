// Command lagsim sends synthetic correlator output for bench and soak
// testing: UDP datagrams, or a serial byte stream of packet trains with
// optional junk bytes between trains.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/lagview/internal/ingest"
	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/serialmux"
	"github.com/banshee-data/lagview/internal/version"
)

var (
	profile     = flag.String("profile", "udp-28x256", "Deployment profile to generate")
	udpAddr     = flag.String("udp", "127.0.0.1:7000", "Send datagrams to this address")
	device      = flag.String("serial", "", "Write packet trains to this serial device instead of UDP")
	outFile     = flag.String("out", "", "Write the serial byte stream to a file instead of UDP")
	rate        = flag.Float64("rate", 20, "Trains per second")
	count       = flag.Int("count", 0, "Number of trains to send (0 = until interrupted)")
	noise       = flag.Float64("noise", 0, "Probability of junk bytes between serial trains")
	seed        = flag.Uint64("seed", 1, "Random seed")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// maxJunk bounds the junk burst inserted between trains.
const maxJunk = 64

// trainWriter writes one train per call.
type trainWriter interface {
	WriteTrain(frames []lagframe.LagFrame) error
	Close() error
}

type udpWriter struct {
	conn *net.UDPConn
	enc  *lagframe.Encoder
}

func newUDPWriter(addr string, l lagframe.Layout) (*udpWriter, error) {
	if lagframe.NewValidator(l) == nil {
		return nil, fmt.Errorf("profile %s is positional and has no datagram form; use -serial or -out", l.Name)
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &udpWriter{conn: conn, enc: lagframe.NewEncoder(l)}, nil
}

func (u *udpWriter) WriteTrain(frames []lagframe.LagFrame) error {
	for _, f := range frames {
		b, err := u.enc.Encode(f)
		if err != nil {
			return err
		}
		if _, err := u.conn.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (u *udpWriter) Close() error { return u.conn.Close() }

// streamWriter writes serial packet trains to w, preceded by a burst of
// junk bytes with probability noise.
type streamWriter struct {
	w     io.WriteCloser
	enc   *lagframe.Encoder
	rng   *rand.Rand
	noise float64
	junk  uint64
}

func newStreamWriter(w io.WriteCloser, l lagframe.Layout, noise float64, seed uint64) *streamWriter {
	return &streamWriter{
		w:     w,
		enc:   lagframe.NewEncoder(l),
		rng:   rand.New(rand.NewPCG(seed, ^seed)),
		noise: noise,
	}
}

func (s *streamWriter) WriteTrain(frames []lagframe.LagFrame) error {
	train, err := s.enc.EncodeTrain(frames)
	if err != nil {
		return err
	}
	if s.noise > 0 && s.rng.Float64() < s.noise {
		junk := make([]byte, 1+s.rng.IntN(maxJunk))
		for i := range junk {
			junk[i] = byte(s.rng.UintN(256))
		}
		if _, err := s.w.Write(junk); err != nil {
			return err
		}
		s.junk += uint64(len(junk))
	}
	_, err = s.w.Write(train)
	return err
}

func (s *streamWriter) Close() error { return s.w.Close() }

func openWriter(l lagframe.Layout) (trainWriter, error) {
	switch {
	case *device != "" && *outFile != "":
		return nil, errors.New("-serial and -out are mutually exclusive")
	case *device != "":
		port, err := serialmux.OpenPort(*device, serialmux.PortOptions{})
		if err != nil {
			return nil, err
		}
		return newStreamWriter(port, l, *noise, *seed), nil
	case *outFile != "":
		f, err := os.Create(*outFile)
		if err != nil {
			return nil, err
		}
		return newStreamWriter(f, l, *noise, *seed), nil
	default:
		return newUDPWriter(*udpAddr, l)
	}
}

// run sends trains every period until n trains are sent (n > 0) or ctx
// ends, and returns how many were sent.
func run(ctx context.Context, w trainWriter, synth *ingest.Synth, period time.Duration, n int) (int, error) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	sent := 0
	for n <= 0 || sent < n {
		if err := w.WriteTrain(synth.Train()); err != nil {
			return sent, err
		}
		sent++
		if n > 0 && sent == n {
			break
		}
		select {
		case <-ctx.Done():
			return sent, nil
		case <-ticker.C:
		}
	}
	return sent, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *rate <= 0 {
		log.Fatal("-rate must be positive")
	}

	l, ok := lagframe.Profile(*profile)
	if !ok {
		log.Fatalf("unknown profile %q", *profile)
	}

	w, err := openWriter(l)
	if err != nil {
		log.Fatalf("failed to open output: %v", err)
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	period := time.Duration(float64(time.Second) / *rate)
	log.Printf("sending %s trains every %v", l.Name, period)
	sent, err := run(ctx, w, ingest.NewSynth(l, *seed), period, *count)
	if err != nil {
		log.Fatalf("send failed after %d trains: %v", sent, err)
	}
	if sw, ok := w.(*streamWriter); ok {
		log.Printf("sent %d trains with %d junk bytes", sent, sw.junk)
		return
	}
	log.Printf("sent %d trains", sent)
}
