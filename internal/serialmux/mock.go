package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter. Reads drain the data
// added with AddReadData; writes are captured.
type TestableSerialPort struct {
	mu      sync.Mutex
	pending bytes.Buffer
	written bytes.Buffer

	// ReadError fails the next read once.
	ReadError error
	// CloseError is returned by Close.
	CloseError error
	// MaxRead caps the bytes returned per Read, like a UART delivering
	// short reads. Zero means no cap.
	MaxRead int
	// TimeoutOnEmpty makes a read of an empty buffer return (0, nil), as a
	// real port does when its read timeout expires. Otherwise it returns
	// io.EOF.
	TimeoutOnEmpty bool

	Closed      bool
	ReadCalls   int
	ReadTimeout time.Duration
}

// NewTestableSerialPort returns an empty port.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{}
}

// AddReadData queues data for later reads.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	t.pending.Write(data)
	t.mu.Unlock()
}

// Written returns a copy of everything written to the port.
func (t *TestableSerialPort) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.written.Bytes())
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadCalls++
	switch {
	case t.Closed:
		return 0, errPortClosed
	case t.ReadError != nil:
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	case t.pending.Len() == 0:
		if t.TimeoutOnEmpty {
			return 0, nil
		}
		return 0, io.EOF
	}
	if t.MaxRead > 0 && len(p) > t.MaxRead {
		p = p[:t.MaxRead]
	}
	return t.pending.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errPortClosed
	}
	return t.written.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	t.ReadTimeout = timeout
	t.mu.Unlock()
	return nil
}

// OpenCall records one MockSerialPortFactory.Open call.
type OpenCall struct {
	Path    string
	Options PortOptions
}

// MockSerialPortFactory returns Port from every Open and records the calls.
type MockSerialPortFactory struct {
	mu    sync.Mutex
	Port  SerialPorter
	Error error
	Calls []OpenCall
}

// NewMockSerialPortFactory returns a factory serving port.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open implements SerialPortFactory.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, OpenCall{Path: path, Options: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil.
func (f *MockSerialPortFactory) LastCall() *OpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Calls) == 0 {
		return nil
	}
	return &f.Calls[len(f.Calls)-1]
}
