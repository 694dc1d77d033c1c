package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/gatewatch/internal/models"
	"github.com/your-org/gatewatch/internal/recognition"
)

func addIn(store *fakeStore, blobs *fakeBlobs, recNo int64, personUID string, at time.Time) *models.Detection {
	key := "captures/in-" + personUID + ".jpg"
	if blobs != nil {
		blobs.put(key, []byte("jpeg"))
	}
	return store.add(&models.Detection{
		RecNo:        recNo,
		Label:        models.LabelIn,
		Channel:      1,
		LocaleTime:   at,
		PersonUID:    personUID,
		PersonPicURL: key,
		IsRegistered: true,
	})
}

func addOut(store *fakeStore, blobs *fakeBlobs, recNo int64, at time.Time) *models.Detection {
	key := "captures/out.jpg"
	blobs.put(key, []byte("jpeg"))
	return store.add(&models.Detection{
		RecNo:        recNo,
		Label:        models.LabelOut,
		Channel:      2,
		LocaleTime:   at,
		PersonPicURL: key,
	})
}

func TestMatchAboveThreshold(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	alerter := &fakeAlerter{}
	now := time.Now().UTC()

	in := addIn(store, blobs, 100, "p1", now.Add(-3*time.Hour))
	out := addOut(store, blobs, 200, now.Add(-1*time.Hour))

	faces := &fakeFaces{matchFn: func() (*recognition.MatchResult, error) {
		return &recognition.MatchResult{Success: true, EntryID: "p1", Confidence: 0.82, Sex: "Man", Age: 34}, nil
	}}

	m := NewMatcher(store, blobs, faces, alerter, testMatchingConfig(), time.UTC)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Matched)

	got := store.get(out.ID)
	assert.True(t, got.IsMatched)
	require.NotNil(t, got.RecNoIn)
	assert.Equal(t, in.RecNo, *got.RecNoIn)
	assert.Equal(t, 120, got.Duration, "dwell duration in whole minutes")
	assert.Equal(t, 82, got.Similarity, "0.82 becomes 82 percent")
	assert.Empty(t, store.ledger)
}

func TestMatchBelowThresholdIsTerminal(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	now := time.Now().UTC()

	addIn(store, blobs, 100, "p1", now.Add(-3*time.Hour))
	out := addOut(store, blobs, 200, now.Add(-1*time.Hour))

	faces := &fakeFaces{matchFn: func() (*recognition.MatchResult, error) {
		return &recognition.MatchResult{Success: true, EntryID: "p1", Confidence: 0.50}, nil
	}}

	m := NewMatcher(store, blobs, faces, &fakeAlerter{}, testMatchingConfig(), time.UTC)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.LowConfidence)

	got := store.get(out.ID)
	assert.False(t, got.IsMatched)
	assert.True(t, got.IsRegistered, "flagged processed, never retried")
	assert.Empty(t, store.ledger, "a definitive low-confidence answer books no retry")
}

func TestMatchServiceUnknown(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	now := time.Now().UTC()

	out := addOut(store, blobs, 200, now.Add(-1*time.Hour))

	faces := &fakeFaces{matchFn: func() (*recognition.MatchResult, error) {
		return &recognition.MatchResult{Success: false}, nil
	}}

	m := NewMatcher(store, blobs, faces, &fakeAlerter{}, testMatchingConfig(), time.UTC)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NoMatch)
	assert.False(t, store.get(out.ID).IsMatched)
	assert.Empty(t, store.ledger)
}

func TestMatchTransientFailureBooksLedger(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	now := time.Now().UTC()

	addOut(store, blobs, 200, now.Add(-1*time.Hour))

	faces := &fakeFaces{matchFn: func() (*recognition.MatchResult, error) {
		return nil, assert.AnError
	}}

	m := NewMatcher(store, blobs, faces, &fakeAlerter{}, testMatchingConfig(), time.UTC)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	require.Contains(t, store.ledger, int64(200))
	assert.Equal(t, 0, store.ledger[200].TryCount)
}

func TestMatchTransientFailureStreamRecordSkipsLedger(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	now := time.Now().UTC()

	// Stream-identified OUT: no vendor record number.
	addOut(store, blobs, 0, now.Add(-1*time.Hour))

	faces := &fakeFaces{matchFn: func() (*recognition.MatchResult, error) {
		return nil, assert.AnError
	}}

	m := NewMatcher(store, blobs, faces, &fakeAlerter{}, testMatchingConfig(), time.UTC)
	_, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.ledger, "records without a vendor key have no stable ledger identity")
}

func TestMatchNoEntryCandidate(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	now := time.Now().UTC()

	out := addOut(store, blobs, 200, now.Add(-1*time.Hour))

	// Service is confident but no IN with that identity exists locally.
	faces := &fakeFaces{matchFn: func() (*recognition.MatchResult, error) {
		return &recognition.MatchResult{Success: true, EntryID: "ghost", Confidence: 0.95}, nil
	}}

	m := NewMatcher(store, blobs, faces, &fakeAlerter{}, testMatchingConfig(), time.UTC)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NoMatch)
	assert.False(t, store.get(out.ID).IsMatched)
}

func TestMatchEarliestEntryWinsDeterministically(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	now := time.Now().UTC()

	first := addIn(store, blobs, 100, "p1", now.Add(-5*time.Hour))
	addIn(store, blobs, 101, "p1", now.Add(-3*time.Hour))
	out := addOut(store, blobs, 200, now.Add(-1*time.Hour))

	faces := &fakeFaces{matchFn: func() (*recognition.MatchResult, error) {
		return &recognition.MatchResult{Success: true, EntryID: "p1", Confidence: 0.90}, nil
	}}

	m := NewMatcher(store, blobs, faces, &fakeAlerter{}, testMatchingConfig(), time.UTC)
	_, err := m.Run(context.Background())
	require.NoError(t, err)

	got := store.get(out.ID)
	require.NotNil(t, got.RecNoIn)
	assert.Equal(t, first.RecNo, *got.RecNoIn)
	assert.Equal(t, 240, got.Duration)
}

func TestMatchEntryInsideDwellToleranceExcluded(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	now := time.Now().UTC()

	outTime := now.Add(-1 * time.Hour)
	// The only IN is one minute before the OUT, inside the 2-minute dwell
	// tolerance: a person cannot plausibly enter and leave that fast.
	addIn(store, blobs, 100, "p1", outTime.Add(-1*time.Minute))
	out := addOut(store, blobs, 200, outTime)

	faces := &fakeFaces{matchFn: func() (*recognition.MatchResult, error) {
		return &recognition.MatchResult{Success: true, EntryID: "p1", Confidence: 0.90}, nil
	}}

	m := NewMatcher(store, blobs, faces, &fakeAlerter{}, testMatchingConfig(), time.UTC)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.NoMatch)
	assert.False(t, store.get(out.ID).IsMatched)
}

func TestMatchMissingImageSkipped(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	now := time.Now().UTC()

	out := addOut(store, blobs, 200, now.Add(-1*time.Hour))
	// The blob never landed.
	blobs.mu.Lock()
	delete(blobs.objects, out.PersonPicURL)
	blobs.mu.Unlock()

	faces := &fakeFaces{}
	m := NewMatcher(store, blobs, faces, &fakeAlerter{}, testMatchingConfig(), time.UTC)
	summary, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, faces.matchCalls)
}

func TestMatcherRunsNeverOverlap(t *testing.T) {
	store := newFakeStore()
	blobs := newFakeBlobs()
	m := NewMatcher(store, blobs, &fakeFaces{}, &fakeAlerter{}, testMatchingConfig(), time.UTC)

	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}
