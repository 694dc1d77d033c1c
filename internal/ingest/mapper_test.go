package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/gatewatch/internal/appliance"
	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
)

func testGates() config.ApplianceConfig {
	return config.ApplianceConfig{
		Gates: []config.Gate{
			{Channel: 1, Name: "main-entrance", Direction: "in"},
			{Channel: 2, Name: "main-exit", Direction: "out"},
		},
	}
}

func TestFromWireMapsGateAndFields(t *testing.T) {
	m := NewMapper(testGates(), time.UTC)

	f := appliance.Fields{
		"rec_no":          int64(12345),
		"channel":         1,
		"sequence":        int64(42),
		"locale_time":     time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC),
		"utc":             int64(1788091500),
		"real_utc":        int64(1788091501),
		"face_age":        34,
		"face_sex":        "Man",
		"face_quality":    88,
		"face_rect":       "",
		"face_center":     "[0.25,0.75]",
		"emotion":         "Neutral",
		"glasses":         true,
		"mask":            false,
		"beard":           false,
		"person_uid":      "abc-123",
		"person_group":    "visitors",
		"similarity":      97,
		"person_pic_path": "/mnt/sd/pic1.jpg",
	}

	det, picPath, err := m.FromWire(f)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), det.RecNo)
	assert.Equal(t, models.LabelIn, det.Label)
	assert.Equal(t, "main-entrance", det.GateName)
	assert.Equal(t, "abc-123", det.PersonUID)
	assert.Equal(t, 97, det.Similarity)
	assert.Equal(t, "/mnt/sd/pic1.jpg", picPath)
	assert.Empty(t, det.PersonPicURL, "blob key is assigned only after the media fetch")
}

func TestFromWireUnknownChannelRejected(t *testing.T) {
	m := NewMapper(testGates(), time.UTC)

	_, _, err := m.FromWire(appliance.Fields{"rec_no": int64(1), "channel": 9})
	assert.Error(t, err)
}

func TestFromStreamEventMapsPayload(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	m := NewMapper(testGates(), loc)

	ev := &appliance.EventBlock{
		Code:   "FaceRecognition",
		Action: "Start",
		Data: map[string]any{
			"Channel":   float64(2),
			"Sequence":  float64(42),
			"UTC":       float64(1788091500),
			"StartTime": "2026-08-30 14:05:00",
			"FaceAttributes": map[string]any{
				"Age":         float64(29),
				"Sex":         "Woman",
				"FaceQuality": float64(91),
				"Glasses":     true,
			},
			"Candidates": []any{
				map[string]any{
					"Similarity": float64(88),
					"Person": map[string]any{
						"UID":       "uid-9",
						"GroupName": "visitors",
						"Image": []any{
							map[string]any{"FilePath": "/mnt/sd/pic9.jpg"},
						},
					},
				},
				map[string]any{
					"Similarity": float64(60),
					"Person":     map[string]any{"UID": "uid-loser"},
				},
			},
		},
	}

	det, picPath, err := m.FromStreamEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, int64(0), det.RecNo, "stream events carry no vendor record number")
	assert.Equal(t, models.LabelOut, det.Label)
	assert.Equal(t, "main-exit", det.GateName)
	assert.Equal(t, int64(42), det.Sequence)
	assert.Equal(t, int64(1788091500), det.UTC)
	assert.Equal(t, 29, det.FaceAge)
	assert.Equal(t, "Woman", det.FaceSex)

	// Only the top-ranked candidate counts.
	assert.Equal(t, "uid-9", det.PersonUID)
	assert.Equal(t, 88, det.Similarity)
	assert.Equal(t, "/mnt/sd/pic9.jpg", picPath)

	want := time.Date(2026, 8, 30, 14, 5, 0, 0, loc)
	assert.True(t, det.LocaleTime.Equal(want))
}

func TestFromStreamEventFallsBackToUTC(t *testing.T) {
	m := NewMapper(testGates(), time.UTC)

	ev := &appliance.EventBlock{
		Code: "FaceRecognition",
		Data: map[string]any{
			"Channel":  float64(1),
			"Sequence": float64(7),
			"UTC":      float64(1788091500),
		},
	}

	det, _, err := m.FromStreamEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1788091500, 0).UTC(), det.LocaleTime.UTC())
}

func TestFromStreamEventUnknownChannelRejected(t *testing.T) {
	m := NewMapper(testGates(), time.UTC)

	ev := &appliance.EventBlock{
		Code: "FaceRecognition",
		Data: map[string]any{"Channel": float64(5)},
	}
	_, _, err := m.FromStreamEvent(ev)
	assert.Error(t, err)
}
