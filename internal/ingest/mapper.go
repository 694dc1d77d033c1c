package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/your-org/gatewatch/internal/appliance"
	"github.com/your-org/gatewatch/internal/config"
	"github.com/your-org/gatewatch/internal/models"
)

// Mapper builds detections out of parsed appliance payloads, resolving the
// channel to its configured gate (name + direction).
type Mapper struct {
	appliance config.ApplianceConfig
	loc       *time.Location
}

func NewMapper(cfg config.ApplianceConfig, loc *time.Location) *Mapper {
	if loc == nil {
		loc = time.UTC
	}
	return &Mapper{appliance: cfg, loc: loc}
}

// FromWire maps one parsed finder item to a detection. The second return
// value is the appliance-side image path, to be fetched and rewritten into a
// blob key by the caller. Items from channels with no configured gate are
// rejected.
func (m *Mapper) FromWire(f appliance.Fields) (*models.Detection, string, error) {
	channel := f.Int("channel")
	gate := m.appliance.GateByChannel(channel)
	if gate == nil {
		return nil, "", fmt.Errorf("no gate configured for channel %d", channel)
	}

	d := &models.Detection{
		RecNo:       f.Int64("rec_no"),
		Sequence:    f.Int64("sequence"),
		Label:       models.Label(gate.Direction),
		Channel:     channel,
		GateName:    gate.Name,
		LocaleTime:  f.Time("locale_time"),
		UTC:         f.Int64("utc"),
		RealUTC:     f.Int64("real_utc"),
		FaceAge:     f.Int("face_age"),
		FaceSex:     f.String("face_sex"),
		FaceQuality: f.Int("face_quality"),
		FaceRect:    f.String("face_rect"),
		FaceCenter:  f.String("face_center"),
		Emotion:     f.String("emotion"),
		Glasses:     f.Bool("glasses"),
		Mask:        f.Bool("mask"),
		Beard:       f.Bool("beard"),
		PersonUID:   f.String("person_uid"),
		PersonGroup: f.String("person_group"),
		Similarity:  f.Int("similarity"),
	}
	return d, f.String("person_pic_path"), nil
}

// FromStreamEvent maps one push-stream event block to a detection. Stream
// events carry no vendor record number; identity is (channel, utc, sequence).
func (m *Mapper) FromStreamEvent(ev *appliance.EventBlock) (*models.Detection, string, error) {
	channel := jsonInt(ev.Data["Channel"])
	if channel == 0 && ev.Index > 0 {
		channel = ev.Index
	}
	gate := m.appliance.GateByChannel(channel)
	if gate == nil {
		return nil, "", fmt.Errorf("no gate configured for channel %d", channel)
	}

	d := &models.Detection{
		Sequence: jsonInt64(ev.Data["Sequence"]),
		Label:    models.Label(gate.Direction),
		Channel:  channel,
		GateName: gate.Name,
		UTC:      jsonInt64(ev.Data["UTC"]),
		RealUTC:  jsonInt64(ev.Data["RealUTC"]),
	}

	if raw, ok := ev.Data["StartTime"].(string); ok && raw != "" {
		t, err := parseStreamTime(raw, m.loc)
		if err != nil {
			return nil, "", fmt.Errorf("event timestamp: %w", err)
		}
		d.LocaleTime = t
	} else if d.UTC > 0 {
		d.LocaleTime = time.Unix(d.UTC, 0).In(m.loc)
	}

	var picPath string
	if face, ok := ev.Data["FaceAttributes"].(map[string]any); ok {
		d.FaceAge = jsonInt(face["Age"])
		d.FaceSex = jsonString(face["Sex"])
		d.FaceQuality = jsonInt(face["FaceQuality"])
		d.Emotion = jsonString(face["Emotion"])
		d.Glasses = jsonBool(face["Glasses"])
		d.Mask = jsonBool(face["Mask"])
		d.Beard = jsonBool(face["Beard"])
		if rect, ok := face["BoundingBox"]; ok {
			d.FaceRect = jsonCompact(rect)
		}
		if center, ok := face["Center"]; ok {
			d.FaceCenter = jsonCompact(center)
		}
	}

	// Only the top-ranked candidate is used.
	if cands, ok := ev.Data["Candidates"].([]any); ok && len(cands) > 0 {
		if best, ok := cands[0].(map[string]any); ok {
			d.Similarity = jsonInt(best["Similarity"])
			if person, ok := best["Person"].(map[string]any); ok {
				d.PersonUID = jsonString(person["UID"])
				d.PersonGroup = jsonString(person["GroupName"])
				if images, ok := person["Image"].([]any); ok && len(images) > 0 {
					if img, ok := images[0].(map[string]any); ok {
						picPath = jsonString(img["FilePath"])
					}
				}
			}
		}
	}

	return d, picPath, nil
}

const bareTimeLayout = "2006-01-02 15:04:05"

func parseStreamTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.ParseInLocation(bareTimeLayout, raw, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.In(loc), nil
}

// JSON numbers decode as float64; these helpers keep the mapping tolerant of
// vendor firmware sending numbers as strings.

func jsonInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	}
	return 0
}

func jsonInt(v any) int {
	return int(jsonInt64(v))
}

func jsonString(v any) string {
	s, _ := v.(string)
	return s
}

func jsonBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	}
	return false
}

func jsonCompact(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
