package catalog

import "time"

// Fingerprint binds a classification rule to a remote inference endpoint and
// a set of forwarding destinations. The pipeline never mutates fingerprints;
// only the catalog editor does.
type Fingerprint struct {
	ID                 int64  `json:"id"`
	HumanReadableID    string `json:"human_readable_id"`
	InferenceServerURL string `json:"inference_server_url"`
	Version            string `json:"version"`
	Description        string `json:"description"`
	DeleteLocally      bool   `json:"delete_locally"`
	DeleteRemotely     bool   `json:"delete_remotely"`

	Triggers     []Trigger     `json:"triggers"`
	Destinations []Destination `json:"destinations"`
}

// Trigger is one pattern-match row of a Fingerprint. Pattern fields hold
// case-insensitive regular expressions; an empty field is absent and its
// clause passes. SOPClassUIDExact is an equality check, not a pattern.
type Trigger struct {
	ID                       int64  `json:"id"`
	FingerprintID            int64  `json:"fingerprint_id"`
	StudyDescriptionPattern  string `json:"study_description_pattern"`
	SeriesDescriptionPattern string `json:"series_description_pattern"`
	SOPClassUIDExact         string `json:"sop_class_uid_exact"`
	ExcludePattern           string `json:"exclude_pattern"`
}

// Destination is a downstream DICOM peer.
type Destination struct {
	ID      int64  `json:"id"`
	Host    string `json:"host"`
	Port    uint16 `json:"port"`
	AETitle string `json:"ae_title"`
}

// Task drives one (study group, fingerprint) pair through the pipeline.
type Task struct {
	ID                 int64     `json:"id"`
	FingerprintID      int64     `json:"fingerprint_id"`
	Status             Status    `json:"status"`
	InferenceServerUID string    `json:"inference_server_uid"`
	InputArchive       string    `json:"input_archive"`
	OutputArchive      string    `json:"output_archive"`
	DeletedLocal       bool      `json:"deleted_local"`
	DeletedRemote      bool      `json:"deleted_remote"`
	CreatedAt          time.Time `json:"created_at"`
}

// TaskUpdate carries the optional fields of UpdateTask. Nil fields are left
// untouched.
type TaskUpdate struct {
	InferenceServerUID *string
	Status             *Status
	DeletedLocal       *bool
	DeletedRemote      *bool
}
