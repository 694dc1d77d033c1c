package appliance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Fields is one parsed finder item: internal field name → typed value.
type Fields map[string]any

var (
	itemLineRe = regexp.MustCompile(`^items\[(\d+)\]\.(.+?)=(.*)$`)
	foundRe    = regexp.MustCompile(`^found=(\d+)$`)
)

type fieldSpec struct {
	name string
	conv func(p *WireParser, raw string) (any, error)
}

// fieldTable maps vendor wire keys to internal field names and transforms.
// Unmapped vendor keys are ignored so newer appliance firmware does not
// break parsing. Candidate fields are read from index 0 only: the appliance
// may return several ranked candidates, and only the best one is used.
var fieldTable = map[string]fieldSpec{
	"RecNo":                      {"rec_no", convInt64},
	"Channel":                    {"channel", convInt},
	"Sequence":                   {"sequence", convInt64},
	"StartTime":                  {"locale_time", convTime},
	"UTC":                        {"utc", convInt64},
	"RealUTC":                    {"real_utc", convInt64},
	"FaceAttributes.Age":         {"face_age", convInt},
	"FaceAttributes.Sex":         {"face_sex", convString},
	"FaceAttributes.FaceQuality": {"face_quality", convInt},
	"FaceAttributes.BoundingBox": {"face_rect", convString},
	"FaceAttributes.Center[0]":   {"face_center_x", convFloat},
	"FaceAttributes.Center[1]":   {"face_center_y", convFloat},
	"FaceAttributes.Emotion":     {"emotion", convString},
	"FaceAttributes.Glasses":     {"glasses", convBool},
	"FaceAttributes.Mask":        {"mask", convBool},
	"FaceAttributes.Beard":       {"beard", convBool},

	"Candidates[0].Person.UID":               {"person_uid", convString},
	"Candidates[0].Person.GroupName":         {"person_group", convString},
	"Candidates[0].Similarity":               {"similarity", convInt},
	"Candidates[0].Person.Image[0].FilePath": {"person_pic_path", convString},
}

// WireParser turns the appliance's flat items[N].Key=Value wire format into
// ordered field maps. The site timezone is explicit: bare local timestamps
// are interpreted in loc, ISO-8601 UTC timestamps are converted into it.
type WireParser struct {
	loc *time.Location
}

func NewWireParser(loc *time.Location) *WireParser {
	if loc == nil {
		loc = time.UTC
	}
	return &WireParser{loc: loc}
}

// ParseItems parses a finder response body. Items are returned in ascending
// numeric index order together with the reported found count. Every item is
// merged with the default field baseline so downstream persistence always
// sees a complete row shape regardless of which vendor keys were present.
func (p *WireParser) ParseItems(body string) ([]Fields, int) {
	byIndex := make(map[int]Fields)
	found := -1

	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		if m := foundRe.FindStringSubmatch(line); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				found = n
			}
			continue
		}

		m := itemLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		spec, ok := fieldTable[m[2]]
		if !ok {
			continue // forward-compatibility: unknown vendor keys are ignored
		}

		val, err := spec.conv(p, m[3])
		if err != nil {
			slog.Warn("wire field conversion failed",
				"index", idx, "key", m[2], "value", m[3], "error", err)
			continue
		}

		f, ok := byIndex[idx]
		if !ok {
			f = make(Fields)
			byIndex[idx] = f
		}
		f[spec.name] = val
	}

	indexes := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	items := make([]Fields, 0, len(indexes))
	for _, idx := range indexes {
		f := byIndex[idx]
		composeCenter(f)
		mergeDefaults(f)
		items = append(items, f)
	}

	if found < 0 {
		found = len(items)
	}
	return items, found
}

// composeCenter combines the paired Center[0]/Center[1] fields into a single
// two-element JSON array and discards the originals.
func composeCenter(f Fields) {
	x, okX := f["face_center_x"].(float64)
	y, okY := f["face_center_y"].(float64)
	delete(f, "face_center_x")
	delete(f, "face_center_y")
	if !okX || !okY {
		return
	}
	b, err := json.Marshal([2]float64{x, y})
	if err != nil {
		return
	}
	f["face_center"] = string(b)
}

// defaultFields is the baseline merged under every parsed item.
func defaultFields() Fields {
	return Fields{
		"rec_no":          int64(0),
		"channel":         0,
		"sequence":        int64(0),
		"locale_time":     time.Time{},
		"utc":             int64(0),
		"real_utc":        int64(0),
		"face_age":        0,
		"face_sex":        "",
		"face_quality":    0,
		"face_rect":       "",
		"face_center":     "",
		"emotion":         "",
		"glasses":         false,
		"mask":            false,
		"beard":           false,
		"person_uid":      "",
		"person_group":    "",
		"similarity":      0,
		"person_pic_path": "",
	}
}

func mergeDefaults(f Fields) {
	for k, v := range defaultFields() {
		if _, ok := f[k]; !ok {
			f[k] = v
		}
	}
}

// --- transforms ---

func convString(_ *WireParser, raw string) (any, error) {
	return raw, nil
}

func convInt(_ *WireParser, raw string) (any, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse int: %w", err)
	}
	return n, nil
}

func convInt64(_ *WireParser, raw string) (any, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse int64: %w", err)
	}
	return n, nil
}

func convFloat(_ *WireParser, raw string) (any, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil, fmt.Errorf("parse float: %w", err)
	}
	return v, nil
}

func convBool(_ *WireParser, raw string) (any, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "1", "true", "yes":
		return true, nil
	case "0", "false", "no", "":
		return false, nil
	}
	return nil, fmt.Errorf("parse bool: unrecognized value %q", raw)
}

const bareTimeLayout = "2006-01-02 15:04:05"

// convTime normalizes both timestamp shapes the appliance emits: a bare
// site-local string and an ISO-8601 UTC string. Both yield the same
// canonical local timestamp.
func convTime(p *WireParser, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.ParseInLocation(bareTimeLayout, raw, p.loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.In(p.loc), nil
}

// Helpers for reading typed values out of Fields; defaults guarantee the
// key exists, so a type mismatch is simply the zero value.

func (f Fields) Int64(key string) int64 {
	v, _ := f[key].(int64)
	return v
}

func (f Fields) Int(key string) int {
	v, _ := f[key].(int)
	return v
}

func (f Fields) String(key string) string {
	v, _ := f[key].(string)
	return v
}

func (f Fields) Bool(key string) bool {
	v, _ := f[key].(bool)
	return v
}

func (f Fields) Time(key string) time.Time {
	v, _ := f[key].(time.Time)
	return v
}
