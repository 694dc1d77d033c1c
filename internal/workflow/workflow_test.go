package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
	"github.com/your-org/gatewatch/internal/recognition"
)

// fakeStore is an in-memory Store for workflow tests.
type fakeStore struct {
	mu         sync.Mutex
	detections map[uuid.UUID]*models.Detection
	ledger     map[int64]*models.LedgerEntry
	reverted   []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		detections: map[uuid.UUID]*models.Detection{},
		ledger:     map[int64]*models.LedgerEntry{},
	}
}

func (s *fakeStore) add(d *models.Detection) *models.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	s.detections[d.ID] = d
	return d
}

func (s *fakeStore) sorted(filter func(*models.Detection) bool, asc bool) []models.Detection {
	var out []models.Detection
	for _, d := range s.detections {
		if filter(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].LocaleTime.Before(out[j].LocaleTime)
		}
		return out[i].LocaleTime.After(out[j].LocaleTime)
	})
	return out
}

func (s *fakeStore) UnregisteredIn(_ context.Context, from, to time.Time, limit int) ([]models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(d *models.Detection) bool {
		return d.Label == models.LabelIn && !d.IsRegistered && d.PersonPicURL != "" &&
			!d.LocaleTime.Before(from) && d.LocaleTime.Before(to)
	}, false)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) UnmatchedOut(_ context.Context, from, to time.Time) ([]models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(func(d *models.Detection) bool {
		return d.Label == models.LabelOut && !d.IsMatched && !d.IsRegistered &&
			d.RecNoIn == nil && d.PersonPicURL != "" &&
			!d.LocaleTime.Before(from) && d.LocaleTime.Before(to)
	}, true), nil
}

func (s *fakeStore) FindMatchCandidate(_ context.Context, personUID string, before time.Time) (*models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sorted(func(d *models.Detection) bool {
		return d.Label == models.LabelIn && d.PersonUID == personUID && d.LocaleTime.Before(before)
	}, true)
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (s *fakeStore) GetDetectionByRecNo(_ context.Context, recNo int64) (*models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.detections {
		if d.RecNo == recNo {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) MarkNoFace(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.detections[id]
	if !ok {
		return fmt.Errorf("detection %s not found", id)
	}
	if !d.IsRegistered {
		d.IsRegistered = true
		d.Status = false
	}
	return nil
}

func (s *fakeStore) MarkRegistered(_ context.Context, id uuid.UUID, faceID, classRef string, age int, sex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.detections[id]
	if !ok {
		return fmt.Errorf("detection %s not found", id)
	}
	d.IsRegistered = true
	d.Status = true
	d.FaceID = faceID
	d.ClassRef = classRef
	d.FaceAge = age
	d.FaceSex = sex
	return nil
}

func (s *fakeStore) RevertRegistration(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.detections[id]
	if !ok {
		return fmt.Errorf("detection %s not found", id)
	}
	d.IsRegistered = false
	d.Status = false
	s.reverted = append(s.reverted, id)
	return nil
}

func (s *fakeStore) MarkNoMatch(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.detections[id]
	if !ok {
		return fmt.Errorf("detection %s not found", id)
	}
	if !d.IsMatched {
		d.IsRegistered = true
	}
	return nil
}

func (s *fakeStore) MarkMatched(_ context.Context, id uuid.UUID, recNoIn int64, duration, similarity int, personUID, sex string, age int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.detections[id]
	if !ok {
		return fmt.Errorf("detection %s not found", id)
	}
	if d.IsMatched {
		return nil
	}
	d.IsMatched = true
	d.IsRegistered = true
	d.Status = true
	d.RecNoIn = &recNoIn
	d.Duration = duration
	d.Similarity = similarity
	d.PersonUID = personUID
	d.FaceSex = sex
	d.FaceAge = age
	return nil
}

func (s *fakeStore) EnsureLedgerEntry(_ context.Context, recNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[recNo]; !ok {
		now := time.Now()
		s.ledger[recNo] = &models.LedgerEntry{RecNo: recNo, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

func (s *fakeStore) PendingLedgerEntries(_ context.Context, ceiling int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LedgerEntry
	for _, e := range s.ledger {
		if e.TryCount < ceiling {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecNo < out[j].RecNo })
	return out, nil
}

func (s *fakeStore) IncrementTryCount(_ context.Context, recNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.ledger[recNo]
	if !ok {
		return fmt.Errorf("ledger entry %d not found", recNo)
	}
	e.TryCount++
	e.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) DeleteLedgerEntry(_ context.Context, recNo int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ledger, recNo)
	return nil
}

func (s *fakeStore) get(id uuid.UUID) *models.Detection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detections[id]
}

// fakeBlobs is an in-memory Blobs implementation.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: map[string][]byte{}}
}

func (b *fakeBlobs) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *fakeBlobs) GetObject(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (b *fakeBlobs) StatObject(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

// fakeFaces is a scriptable FaceService.
type fakeFaces struct {
	mu          sync.Mutex
	detectFn    func() (*recognition.DetectResult, error)
	addFn       func(faceID string) (string, error)
	matchFn     func() (*recognition.MatchResult, error)
	matchCalls  int
	detectCalls int
}

func (f *fakeFaces) DetectFaces(_ context.Context, _ []byte, _ string) (*recognition.DetectResult, error) {
	f.mu.Lock()
	f.detectCalls++
	fn := f.detectFn
	f.mu.Unlock()
	if fn == nil {
		return &recognition.DetectResult{}, nil
	}
	return fn()
}

func (f *fakeFaces) AddToCollection(_ context.Context, faceID string) (string, error) {
	if f.addFn == nil {
		return "cls-" + faceID, nil
	}
	return f.addFn(faceID)
}

func (f *fakeFaces) MatchExit(_ context.Context, _ string) (*recognition.MatchResult, error) {
	f.mu.Lock()
	f.matchCalls++
	fn := f.matchFn
	f.mu.Unlock()
	if fn == nil {
		return &recognition.MatchResult{}, nil
	}
	return fn()
}

// fakeAlerter records notifications.
type fakeAlerter struct {
	mu       sync.Mutex
	messages []string
}

func (a *fakeAlerter) Send(_ context.Context, title, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, title+": "+message)
}

func testMatchingConfig() config.MatchingConfig {
	return config.MatchingConfig{
		AccuracyThreshold: 80,
		MaxStayMinutes:    720,
		MinDwellMinutes:   2,
		RetryCeiling:      3,
		BatchLimit:        200,
		RequestDelay:      0,
	}
}
