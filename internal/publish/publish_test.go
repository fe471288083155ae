package publish

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/lagframe"
)

func testSnapshot(t *testing.T, updates ...int) (*aggregate.Aggregator, lagframe.Layout) {
	t.Helper()
	l, ok := lagframe.Profile("udp-15x128")
	if !ok {
		t.Fatal("udp-15x128 profile missing")
	}
	agg := aggregate.New(l, nil)
	for _, id := range updates {
		lags := make([]float64, l.LagCount)
		lags[30+id] = 9000
		if err := agg.Update(lagframe.LagFrame{BaselineID: id, Lags: lags}); err != nil {
			t.Fatal(err)
		}
	}
	return agg, l
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_SendsSnapshotOnConnect(t *testing.T) {
	agg, l := testSnapshot(t, 2)
	hub := NewHub(agg.Snapshot, time.Hour, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	m := readMessage(t, conn)
	if m.Type != "snapshot" || m.Snapshot == nil {
		t.Fatalf("message = %+v", m)
	}
	if len(m.Snapshot.Baselines) != l.BaselineCount() {
		t.Errorf("baselines = %d", len(m.Snapshot.Baselines))
	}
	if got := m.Snapshot.Baselines[2].PeakBin; got != 32 {
		t.Errorf("peak bin = %d, want 32", got)
	}
	waitFor(t, func() bool { return hub.Stats().Sent == 1 })
}

func TestHub_BroadcastAndDisconnect(t *testing.T) {
	agg, _ := testSnapshot(t)
	hub := NewHub(agg.Snapshot, time.Hour, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dialHub(t, srv)
	b := dialHub(t, srv)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })
	readMessage(t, a)
	readMessage(t, b)

	hub.Broadcast([]byte(`{"type":"ping"}`))
	if m := readMessage(t, a); m.Type != "ping" {
		t.Errorf("a got %q", m.Type)
	}
	if m := readMessage(t, b); m.Type != "ping" {
		t.Errorf("b got %q", m.Type)
	}

	a.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	hub.closeAll()
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := b.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal closure, got %v", err)
	}
}

func TestHub_EnqueueDropsForSlowClients(t *testing.T) {
	hub := NewHub(func() aggregate.Snapshot { return aggregate.Snapshot{} }, 0, nil)
	c := &client{send: make(chan []byte, 1)}
	hub.enqueue(c, []byte("a"))
	hub.enqueue(c, []byte("b"))
	if got := hub.Stats().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient implements the parts of mqtt.Client the publisher uses.
type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	messages     []published
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return &fakeToken{err: c.err}
	}
	c.messages = append(c.messages, published{topic, qos, retained, payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.disconnected = true
}

func TestMQTTPublisher_PublishesUpdatedBaselines(t *testing.T) {
	agg, l := testSnapshot(t, 0, 4)
	fc := &fakeClient{}
	p := NewMQTTPublisherWithClient(fc, MQTTConfig{Topic: "rig/peaks", QoS: 1})

	n, err := p.Publish(agg.Snapshot())
	if err != nil || n != 2 {
		t.Fatalf("Publish = %d, %v", n, err)
	}
	if fc.messages[0].topic != "rig/peaks/1" || fc.messages[1].topic != "rig/peaks/5" {
		t.Errorf("topics = %q, %q", fc.messages[0].topic, fc.messages[1].topic)
	}
	if fc.messages[0].qos != 1 {
		t.Errorf("qos = %d", fc.messages[0].qos)
	}
	var sum PeakSummary
	if err := json.Unmarshal(fc.messages[1].payload, &sum); err != nil {
		t.Fatal(err)
	}
	if sum.BaselineID != 4 || sum.PeakBin != 34 || sum.Profile != l.Name || sum.Frames != 1 {
		t.Errorf("summary = %+v", sum)
	}

	// Nothing new since the last publish.
	if n, _ := p.Publish(agg.Snapshot()); n != 0 {
		t.Errorf("republished %d baselines", n)
	}

	if n, _ := p.Publish(aggregate.PlaceholderSnapshot(l, time.Now())); n != 0 {
		t.Errorf("published %d placeholder baselines", n)
	}

	p.Close()
	if !fc.disconnected {
		t.Error("Close did not disconnect")
	}
}

func TestMQTTPublisher_ErrorRetriesNextTime(t *testing.T) {
	agg, _ := testSnapshot(t, 1)
	fc := &fakeClient{err: errors.New("not connected")}
	p := NewMQTTPublisherWithClient(fc, MQTTConfig{})

	if _, err := p.Publish(agg.Snapshot()); err == nil || !strings.Contains(err.Error(), "lagview/peaks/2") {
		t.Fatalf("Publish error = %v", err)
	}
	fc.err = nil
	if n, err := p.Publish(agg.Snapshot()); err != nil || n != 1 {
		t.Errorf("retry Publish = %d, %v", n, err)
	}
}

func TestNewMQTTPublisher_RequiresBroker(t *testing.T) {
	if _, err := NewMQTTPublisher(MQTTConfig{}); err == nil {
		t.Error("expected error without a broker")
	}
}
