package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/gatewatch/internal/appliance"
	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
)

// fakeAppliance serves the finder CGI protocol over httptest: a fixed list
// of record numbers paged out by findNextFile.
type fakeAppliance struct {
	mu        sync.Mutex
	recNos    []int64
	cursor    int
	pageCalls int
	failPage  int // 1-based page index to fail, 0 = never
}

func (f *fakeAppliance) handler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("action") {
	case "factory.create":
		fmt.Fprint(w, "result=555000\r\n")
	case "findFile":
		fmt.Fprint(w, "OK\r\n")
	case "findNextFile":
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pageCalls++
		if f.failPage > 0 && f.pageCalls == f.failPage {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		count, _ := strconv.Atoi(r.URL.Query().Get("count"))
		var b strings.Builder
		n := 0
		for i := 0; i < count && f.cursor < len(f.recNos); i++ {
			fmt.Fprintf(&b, "items[%d].RecNo=%d\r\nitems[%d].Channel=1\r\n", i, f.recNos[f.cursor], i)
			fmt.Fprintf(&b, "items[%d].Sequence=%d\r\nitems[%d].UTC=%d\r\n", i, f.cursor+1, i, 1788091500+f.cursor)
			f.cursor++
			n++
		}
		fmt.Fprintf(&b, "found=%d\r\n", n)
		fmt.Fprint(w, b.String())
	case "close":
		fmt.Fprint(w, "OK\r\n")
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

type fakeSink struct {
	mu       sync.Mutex
	inserted []int64
	seen     map[int64]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{seen: map[int64]bool{}}
}

func (s *fakeSink) InsertDetectionIfNew(_ context.Context, d *models.Detection) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[d.RecNo] {
		return false, nil
	}
	s.seen[d.RecNo] = true
	s.inserted = append(s.inserted, d.RecNo)
	return true, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.DetectionEvent
}

func (p *fakePublisher) PublishDetection(_ context.Context, ev *models.DetectionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func newTestDrainer(t *testing.T, fake *fakeAppliance, sink Sink, pub Publisher, pageSize int) *Drainer {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := config.ApplianceConfig{
		Host:       u.Hostname(),
		Port:       port,
		Username:   "admin",
		Password:   "secret",
		Timeout:    5 * time.Second,
		PageSize:   pageSize,
		MaxPages:   10,
		EventCodes: []string{"FaceRecognition"},
		Gates:      []config.Gate{{Channel: 1, Name: "main-entrance", Direction: "in"}},
	}

	client := appliance.NewClient(cfg, time.UTC)
	mapper := NewMapper(cfg, time.UTC)
	return NewDrainer(client, nil, mapper, sink, pub, cfg)
}

func recNoRange(from, to int64) []int64 {
	out := make([]int64, 0, to-from+1)
	for n := from; n <= to; n++ {
		out = append(out, n)
	}
	return out
}

func TestDrainPaginatesUntilShortPage(t *testing.T) {
	fake := &fakeAppliance{recNos: recNoRange(1, 10)}
	sink := newFakeSink()
	pub := &fakePublisher{}
	d := newTestDrainer(t, fake, sink, pub, 4)

	summary, err := d.Drain(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	// 10 records at page size 4: pages of 4, 4, 2 — the short page stops it.
	assert.Equal(t, 3, summary.Pages)
	assert.Equal(t, 10, summary.Inserted)
	assert.Equal(t, 0, summary.Duplicates)
	assert.Len(t, sink.inserted, 10)
	assert.Len(t, pub.events, 10)
}

func TestDrainEmptyWindow(t *testing.T) {
	fake := &fakeAppliance{}
	sink := newFakeSink()
	d := newTestDrainer(t, fake, sink, nil, 4)

	summary, err := d.Drain(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 0, summary.Inserted)
}

func TestDrainRedeliveryIsIdempotent(t *testing.T) {
	sink := newFakeSink()

	// Two passes over overlapping windows deliver the same records twice.
	first := &fakeAppliance{recNos: recNoRange(1, 6)}
	d1 := newTestDrainer(t, first, sink, nil, 4)
	_, err := d1.Drain(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	second := &fakeAppliance{recNos: recNoRange(4, 9)}
	d2 := newTestDrainer(t, second, sink, nil, 4)
	summary, err := d2.Drain(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Duplicates)
	assert.Equal(t, 3, summary.Inserted)
	assert.Len(t, sink.inserted, 9, "each record lands exactly once")
}

func TestDrainPartialFailureKeepsEarlierPages(t *testing.T) {
	fake := &fakeAppliance{recNos: recNoRange(1, 12), failPage: 2}
	sink := newFakeSink()
	d := newTestDrainer(t, fake, sink, nil, 4)

	summary, err := d.Drain(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	require.Error(t, err)

	// Page one landed before the transport failure.
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 4, summary.Inserted)
	assert.Len(t, sink.inserted, 4)
}

func TestDrainStopsAtPageCeiling(t *testing.T) {
	// Enough records that every page is full; the ceiling must stop the loop.
	fake := &fakeAppliance{recNos: recNoRange(1, 100)}
	sink := newFakeSink()
	d := newTestDrainer(t, fake, sink, nil, 4)

	summary, err := d.Drain(context.Background(), 1, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Pages)
	assert.Equal(t, 40, summary.Inserted)
}
