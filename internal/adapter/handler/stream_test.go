package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eduardoromerom/NessJewerly/internal/core/domain"
)

type sseEvent struct {
	name string
	data string
}

// readEvents parses server-sent events from body until it closes.
func readEvents(body *bufio.Reader, out chan<- sseEvent) {
	defer close(out)
	var ev sseEvent
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				out <- ev
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, ":"):
			out <- sseEvent{name: "keepalive"}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

func nextSnapshot(t *testing.T, events <-chan sseEvent) streamSnapshot {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			if ev.name != "snapshot" {
				continue
			}
			var snap streamSnapshot
			if err := json.Unmarshal([]byte(ev.data), &snap); err != nil {
				t.Fatalf("decode snapshot %q: %v", ev.data, err)
			}
			return snap
		case <-timeout:
			t.Fatal("no snapshot received")
		}
	}
}

func TestStream_DeliversSnapshots(t *testing.T) {
	f := newFixture(t, HTTPConfig{})
	f.addItem(t, "p-001", "Anillo B", "Anillos", 2)
	f.addItem(t, "p-002", "Anillo A", "Anillos", 4)
	f.addItem(t, "p-003", "Cadena", "Cadenas", 1)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/stream/items?where=category:==:Anillos&order=name:asc&limit=2", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan sseEvent, 16)
	go readEvents(bufio.NewReader(resp.Body), events)

	snap := nextSnapshot(t, events)
	if len(snap.Documents) != 2 || snap.Documents[0].Key != "p-002" || snap.Documents[1].Key != "p-001" {
		t.Fatalf("unexpected first snapshot %+v", snap.Documents)
	}

	f.do(t, http.MethodPut, "/api/items/p-002", map[string]any{"name": "Anillo Z"})
	snap = nextSnapshot(t, events)
	if len(snap.Documents) != 2 || snap.Documents[0].Key != "p-001" {
		t.Fatalf("expected reordered snapshot, got %+v", snap.Documents)
	}
}

func TestStream_Keepalive(t *testing.T) {
	f := newFixture(t, HTTPConfig{Heartbeat: 20 * time.Millisecond})

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream/locations", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	events := make(chan sseEvent, 16)
	go readEvents(bufio.NewReader(resp.Body), events)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.name == "keepalive" {
				return
			}
		case <-timeout:
			t.Fatal("no keepalive received")
		}
	}
}

func TestStream_RejectsBadQueries(t *testing.T) {
	f := newFixture(t, HTTPConfig{})

	for _, path := range []string{
		"/api/stream/__diag",
		"/api/stream/items?where=category",
		"/api/stream/items?where=quantity:~:3",
		"/api/stream/items?order=name:up",
		"/api/stream/items?limit=0",
	} {
		code, _ := f.do(t, http.MethodGet, path, nil)
		if code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, code)
		}
	}
}

func TestParseFilter(t *testing.T) {
	cases := []struct {
		raw  string
		want domain.Filter
	}{
		{"category:==:Anillos", domain.Filter{Field: "category", Op: domain.OpEqual, Value: "Anillos"}},
		{"quantity:lt:3", domain.Filter{Field: "quantity", Op: domain.OpLess, Value: int64(3)}},
		{"price:gte:2.5", domain.Filter{Field: "price", Op: domain.OpGreaterEqual, Value: 2.5}},
		{"note:==:a:b", domain.Filter{Field: "note", Op: domain.OpEqual, Value: "a:b"}},
	}
	for _, tc := range cases {
		got, err := parseFilter(tc.raw)
		if err != nil {
			t.Errorf("%s: unexpected error %v", tc.raw, err)
			continue
		}
		if got.Field != tc.want.Field || got.Op != tc.want.Op || got.Value != tc.want.Value {
			t.Errorf("%s: expected %+v, got %+v", tc.raw, tc.want, got)
		}
	}

	in, err := parseFilter("category:in:Anillos|Aretes")
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if values, ok := in.Value.([]any); !ok || len(values) != 2 || values[1] != "Aretes" {
		t.Errorf("unexpected in values %#v", in.Value)
	}

	if _, err := parseFilter("category"); !errors.Is(err, domain.ErrMalformedQuery) {
		t.Errorf("expected ErrMalformedQuery, got %v", err)
	}
}

func TestLiveQuery_Defaults(t *testing.T) {
	cols := domain.DefaultCollections()

	q, err := liveQuery(cols, "items", nil, nil, 0, 25)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if q.Limit != 25 || len(q.Orderings) != 1 || q.Orderings[0].Field != domain.FieldUpdatedAt || q.Orderings[0].Direction != domain.Descending {
		t.Errorf("unexpected default query %+v", q)
	}

	q, _ = liveQuery(cols, "movements", nil, nil, 5, 25)
	if q.Limit != 5 || q.Orderings[0].Field != domain.FieldMovementTimestamp {
		t.Errorf("unexpected movements query %+v", q)
	}
}
