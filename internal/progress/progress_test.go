package progress

import (
	"bufio"
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

func TestTrackerCounts(t *testing.T) {
	tr := New(io.Discard, logging.Discard())
	tr.SetTotal(200)
	tr.Resume(50)
	tr.Add(25)
	tr.Add(0)
	tr.Add(-5)

	if got := tr.Current(); got != 75 {
		t.Errorf("Current() = %d, want 75", got)
	}
	if got := tr.Percent(); got != 37.5 {
		t.Errorf("Percent() = %v, want 37.5", got)
	}

	tr.StartTable("orders")
	tr.StartTable("customers")
	if got := tr.ActiveTables(); got != 2 {
		t.Errorf("ActiveTables() = %d, want 2", got)
	}
	tr.EndTable("orders")
	tr.EndTable("orders")
	if got := tr.ActiveTables(); got != 1 {
		t.Errorf("ActiveTables() = %d, want 1", got)
	}
	tr.Finish()
}

func TestTrackerWithoutBar(t *testing.T) {
	tr := New(nil, logging.Discard())
	tr.Add(10)
	if tr.Percent() != 0 {
		t.Errorf("Percent() before SetTotal = %v, want 0", tr.Percent())
	}
	tr.SetTotal(20)
	if tr.Percent() != 50 {
		t.Errorf("Percent() = %v, want 50", tr.Percent())
	}
	tr.StartTable("t")
	tr.Finish()
}

func TestJSONReporterThrottles(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Hour)

	r.Report(ProgressUpdate{Phase: PhaseTransfer, RowsTransferred: 1})
	r.Report(ProgressUpdate{Phase: PhaseTransfer, RowsTransferred: 2})
	r.ReportImmediate(ProgressUpdate{Phase: PhaseComplete, RowsTransferred: 3})
	r.Close()
	r.ReportImmediate(ProgressUpdate{Phase: PhaseComplete, RowsTransferred: 4})

	var got []ProgressUpdate
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var u ProgressUpdate
		if err := json.Unmarshal(sc.Bytes(), &u); err != nil {
			t.Fatalf("invalid JSON line %q: %v", sc.Text(), err)
		}
		got = append(got, u)
	}
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2: %s", len(got), buf.String())
	}
	if got[0].RowsTransferred != 1 || got[1].RowsTransferred != 3 {
		t.Errorf("rows = %d, %d; want 1, 3", got[0].RowsTransferred, got[1].RowsTransferred)
	}
	if got[0].Timestamp == "" {
		t.Error("timestamp should be filled in")
	}
}

type recordingReporter struct {
	reports, immediate int
	closed             bool
}

func (r *recordingReporter) Report(ProgressUpdate)          { r.reports++ }
func (r *recordingReporter) ReportImmediate(ProgressUpdate) { r.immediate++ }
func (r *recordingReporter) Close()                         { r.closed = true }

func TestMulti(t *testing.T) {
	a, b := &recordingReporter{}, &recordingReporter{}
	m := Multi(a, nil, b)
	m.Report(ProgressUpdate{})
	m.ReportImmediate(ProgressUpdate{})
	m.Close()
	for i, r := range []*recordingReporter{a, b} {
		if r.reports != 1 || r.immediate != 1 || !r.closed {
			t.Errorf("reporter %d = %+v", i, r)
		}
	}

	if _, ok := Multi(nil).(*NullReporter); !ok {
		t.Error("Multi(nil) should be a NullReporter")
	}
	if Multi(a) != Reporter(a) {
		t.Error("Multi with one reporter should return it")
	}
}

func TestHubBroadcastsProgress(t *testing.T) {
	hub := NewHub(logging.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Report(ProgressUpdate{
		RunID:           "run-1",
		Phase:           PhaseTransfer,
		RowsTransferred: 1500,
		RowsTotal:       3000,
		Table:           &TableProgress{Name: "orders", State: "in_progress", TotalRows: 3000, MigratedRows: 1500, Percent: 50},
	})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}

	var msg struct {
		Type string         `json:"type"`
		Data ProgressUpdate `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message %s: %v", data, err)
	}
	if msg.Type != "progress" {
		t.Errorf("type = %q, want progress", msg.Type)
	}
	if msg.Data.RunID != "run-1" || msg.Data.Table == nil || msg.Data.Table.MigratedRows != 1500 {
		t.Errorf("unexpected data: %+v", msg.Data)
	}
}

func TestHubSendsLatestOnConnect(t *testing.T) {
	hub := NewHub(logging.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	hub.Report(ProgressUpdate{Phase: PhaseFinalize})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !strings.Contains(string(data), `"phase":"finalizing"`) {
		t.Errorf("message = %s, want the finalizing phase", data)
	}
}

func TestHubBroadcastDoesNotWaitOnStalledClient(t *testing.T) {
	hub := NewHub(logging.Discard())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	stalled, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer stalled.Close()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Far more than the socket buffers hold; the stalled client never reads.
	payload := bytes.Repeat([]byte("x"), 64<<10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			hub.Broadcast(payload)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a client that is not reading")
	}

	// A client that connects afterwards still gets the latest update.
	hub.Broadcast([]byte(`{"type":"progress","data":{"phase":"finalizing"}}`))
	fresh, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer fresh.Close()
	_ = fresh.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := fresh.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !strings.Contains(string(data), "finalizing") {
		t.Errorf("message = %s, want the latest update", data)
	}
}

func TestClientQueueDropsWhenFull(t *testing.T) {
	c := &client{out: make(chan []byte, sendBuffer), done: make(chan struct{})}
	for i := 0; i < sendBuffer; i++ {
		if !c.enqueue([]byte("m")) {
			t.Fatalf("enqueue %d dropped with room in the queue", i)
		}
	}
	if c.enqueue([]byte("overflow")) {
		t.Error("enqueue accepted a message beyond the queue size")
	}
	close(c.done)
	<-c.out
	if c.enqueue([]byte("late")) {
		t.Error("enqueue accepted a message after stop")
	}
}
