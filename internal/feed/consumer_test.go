package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nantokaworks/streamlive/internal/domain"
)

type mockFetcher struct {
	mu      sync.Mutex
	batches [][]domain.Message
	since   []int64
	err     error
}

func (f *mockFetcher) GetMessages(ctx context.Context, sessionID string, sinceTS int64) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.since = append(f.since, sinceTS)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

type mockSink struct {
	mu       sync.Mutex
	ingested []domain.Message
	cursor   int64
}

func (s *mockSink) Ingest(msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ingested = append(s.ingested, msgs...)
	for _, m := range msgs {
		if m.TS > s.cursor {
			s.cursor = m.TS
		}
	}
}

func (s *mockSink) LastAuthoritativeTS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func TestPollOnce_IngestsAndAdvancesCursor(t *testing.T) {
	fetcher := &mockFetcher{
		batches: [][]domain.Message{
			{
				{ID: "a", Kind: domain.KindChat, UserID: "u1", TS: 100},
				{ID: "b", Kind: domain.KindChat, UserID: "u1", TS: 200},
			},
		},
	}
	sink := &mockSink{}
	c := NewConsumer("s1", "", fetcher, sink, time.Second)

	c.pollOnce(context.Background())
	if len(sink.ingested) != 2 {
		t.Fatalf("unexpected ingest count: got=%d want=2", len(sink.ingested))
	}

	c.pollOnce(context.Background())
	if got := fetcher.since[1]; got != 200 {
		t.Fatalf("second poll must resume from the cursor: got=%d want=200", got)
	}
}

func TestPollOnce_FetchFailureIsSilent(t *testing.T) {
	fetcher := &mockFetcher{err: errors.New("backend down")}
	sink := &mockSink{}
	c := NewConsumer("s1", "", fetcher, sink, time.Second)

	c.pollOnce(context.Background())
	if len(sink.ingested) != 0 {
		t.Fatalf("failed fetch must not ingest: got=%d", len(sink.ingested))
	}

	// Next poll retries from the same cursor.
	fetcher.err = nil
	fetcher.batches = [][]domain.Message{{{ID: "a", Kind: domain.KindChat, UserID: "u1", TS: 50}}}
	c.pollOnce(context.Background())
	if len(sink.ingested) != 1 {
		t.Fatalf("recovered poll should ingest: got=%d", len(sink.ingested))
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	fetcher := &mockFetcher{}
	sink := &mockSink{}
	c := NewConsumer("s1", "", fetcher, sink, time.Hour)

	c.Start()
	c.Start()
	c.Stop()
	c.Stop()

	if c.IsConnected() {
		t.Fatalf("poll-only consumer must never report a push connection")
	}
}
