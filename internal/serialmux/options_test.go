package serialmux

import (
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestPortOptions_Normalize_Defaults(t *testing.T) {
	// Zero-value options should get defaults applied
	got, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got.BaudRate != 921600 {
		t.Errorf("BaudRate = %d, want 921600", got.BaudRate)
	}
	if got.DataBits != 8 {
		t.Errorf("DataBits = %d, want 8", got.DataBits)
	}
	if got.StopBits != 1 {
		t.Errorf("StopBits = %d, want 1", got.StopBits)
	}
	if got.Parity != "N" {
		t.Errorf("Parity = %q, want %q", got.Parity, "N")
	}
	if got.ReadTimeout != DefaultReadTimeout {
		t.Errorf("ReadTimeout = %v, want %v", got.ReadTimeout, DefaultReadTimeout)
	}
}

func TestPortOptions_Normalize_ExplicitValues(t *testing.T) {
	opts := PortOptions{BaudRate: 115200, DataBits: 7, StopBits: 2, Parity: "E", ReadTimeout: time.Second}
	got, err := opts.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got != opts {
		t.Errorf("Normalize() = %+v, want %+v", got, opts)
	}
}

func TestPortOptions_Normalize_InvalidDataBits(t *testing.T) {
	tests := []struct {
		name     string
		dataBits int
	}{
		{"too low", 4},
		{"too high", 9},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := (PortOptions{DataBits: tc.dataBits}).Normalize(); err == nil {
				t.Errorf("expected error for data bits %d, got nil", tc.dataBits)
			}
		})
	}
}

func TestPortOptions_Normalize_InvalidStopBits(t *testing.T) {
	if _, err := (PortOptions{StopBits: 3}).Normalize(); err == nil {
		t.Error("expected error for stop bits 3, got nil")
	}
}

func TestPortOptions_Normalize_ParityVariations(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"N", "N"},
		{"none", "N"},
		{"e", "E"},
		{"EVEN", "E"},
		{"o", "O"},
		{"odd", "O"},
		{"  N  ", "N"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := PortOptions{Parity: tc.input}.Normalize()
			if err != nil {
				t.Fatalf("Normalize() with parity %q: unexpected error %v", tc.input, err)
			}
			if got.Parity != tc.want {
				t.Errorf("Normalize() with parity %q: got %q, want %q", tc.input, got.Parity, tc.want)
			}
		})
	}
}

func TestPortOptions_Normalize_InvalidParity(t *testing.T) {
	if _, err := (PortOptions{Parity: "X"}).Normalize(); err == nil {
		t.Error("expected error for parity X, got nil")
	}
}

func TestPortOptions_Equal(t *testing.T) {
	a := PortOptions{}
	b := PortOptions{BaudRate: 921600, DataBits: 8, StopBits: 1, Parity: "none"}
	if !a.Equal(b) {
		t.Error("default options should equal explicit defaults")
	}
	if a.Equal(PortOptions{BaudRate: 9600}) {
		t.Error("expected not equal for different baud rates")
	}
	if a.Equal(PortOptions{Parity: "X"}) {
		t.Error("invalid options should never be equal")
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	tests := []struct {
		name     string
		opts     PortOptions
		stopBits serial.StopBits
		parity   serial.Parity
	}{
		{"default", PortOptions{}, serial.OneStopBit, serial.NoParity},
		{"two stop bits", PortOptions{StopBits: 2}, serial.TwoStopBits, serial.NoParity},
		{"even", PortOptions{Parity: "E"}, serial.OneStopBit, serial.EvenParity},
		{"odd", PortOptions{Parity: "O"}, serial.OneStopBit, serial.OddParity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mode, err := tc.opts.SerialMode()
			if err != nil {
				t.Fatalf("SerialMode() error = %v", err)
			}
			if mode.BaudRate != 921600 {
				t.Errorf("BaudRate = %d, want 921600", mode.BaudRate)
			}
			if mode.StopBits != tc.stopBits {
				t.Errorf("StopBits = %v, want %v", mode.StopBits, tc.stopBits)
			}
			if mode.Parity != tc.parity {
				t.Errorf("Parity = %v, want %v", mode.Parity, tc.parity)
			}
		})
	}
}

func TestPortOptions_SerialMode_InvalidOptions(t *testing.T) {
	if _, err := (PortOptions{DataBits: 12}).SerialMode(); err == nil {
		t.Error("expected error for invalid options, got nil")
	}
}
