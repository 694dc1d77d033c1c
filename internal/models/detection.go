package models

import (
	"time"

	"github.com/google/uuid"
)

// Label is the direction of a detection: entry or exit gate.
type Label string

const (
	LabelIn  Label = "in"
	LabelOut Label = "out"
)

// Detection is one observed visitor event, ingested either from a finder
// session page or from the appliance push-event stream.
type Detection struct {
	ID uuid.UUID `json:"id" db:"id"`

	// RecNo is the vendor-assigned record number. Zero means absent;
	// push-stream events are identified by (Channel, UTC, Sequence) instead.
	RecNo    int64 `json:"rec_no" db:"rec_no"`
	Sequence int64 `json:"sequence" db:"sequence"`

	Label    Label  `json:"label" db:"label"`
	Channel  int    `json:"channel" db:"channel"`
	GateName string `json:"gate_name" db:"gate_name"`

	// LocaleTime is the canonical site-local timestamp of the detection.
	LocaleTime time.Time `json:"locale_time" db:"locale_time"`
	UTC        int64     `json:"utc" db:"utc"`
	RealUTC    int64     `json:"real_utc" db:"real_utc"`

	FaceAge     int    `json:"face_age" db:"face_age"`
	FaceSex     string `json:"face_sex" db:"face_sex"`
	FaceQuality int    `json:"face_quality" db:"face_quality"`
	FaceRect    string `json:"face_rect" db:"face_rect"`
	FaceCenter  string `json:"face_center" db:"face_center"`
	Emotion     string `json:"emotion" db:"emotion"`
	Glasses     bool   `json:"glasses" db:"glasses"`
	Mask        bool   `json:"mask" db:"mask"`
	Beard       bool   `json:"beard" db:"beard"`

	PersonUID   string `json:"person_uid" db:"person_uid"`
	PersonGroup string `json:"person_group" db:"person_group"`
	// PersonPicURL is the blob-store key of the captured image after the
	// media fetcher rewrote the appliance file path.
	PersonPicURL string `json:"person_pic_url" db:"person_pic_url"`

	// FaceID and ClassRef are assigned by the registration workflow.
	FaceID   string `json:"face_id" db:"face_id"`
	ClassRef string `json:"class_ref" db:"class_ref"`

	IsRegistered bool    `json:"is_registered" db:"is_registered"`
	IsMatched    bool    `json:"is_matched" db:"is_matched"`
	RecNoIn      *int64  `json:"rec_no_in" db:"rec_no_in"`
	Duration     int     `json:"duration" db:"duration"` // minutes, set on OUT match
	Similarity   int     `json:"similarity" db:"similarity"`
	Status       bool    `json:"status" db:"status"`
	RevertBy     *string `json:"revert_by" db:"revert_by"`
	IsDuplicate  bool    `json:"is_duplicate" db:"is_duplicate"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HasImage reports whether a captured image was fetched for this detection.
func (d *Detection) HasImage() bool {
	return d.PersonPicURL != ""
}

// DetectionEvent is the message published to NATS when a detection is
// ingested, consumed by the API for live broadcast.
type DetectionEvent struct {
	ID         uuid.UUID `json:"id"`
	RecNo      int64     `json:"rec_no"`
	Label      Label     `json:"label"`
	Channel    int       `json:"channel"`
	GateName   string    `json:"gate_name"`
	LocaleTime time.Time `json:"locale_time"`
	PersonUID  string    `json:"person_uid"`
	Source     string    `json:"source"` // "finder" or "stream"
}
