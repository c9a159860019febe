// Package snapshot packs the mutable part of a session into the single
// self-contained payload ("history blob") stored on the remote record, and
// unpacks it again on another device.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"casesync/internal/models"
)

var (
	ErrCorruptSnapshot = errors.New("corrupt session snapshot")
	ErrEncodeSnapshot  = errors.New("encode session snapshot")
)

// Snapshot is the decoded content of a history blob.
type Snapshot struct {
	Content          models.SessionContent
	ClientTimestamp  time.Time
	AppVersion       string
	DeviceIdentifier string
}

type wireSnapshot struct {
	Messages         []wireMessage   `json:"messages"`
	Actions          []wireAction    `json:"actions"`
	Notes            string          `json:"notes"`
	Differential     []wireDiagnosis `json:"differential"`
	Evaluation       *string         `json:"evaluation"`
	ClientTimestamp  time.Time       `json:"clientTimestamp"`
	AppVersion       string          `json:"appVersion"`
	DeviceIdentifier string          `json:"deviceIdentifier"`
}

type wireMessage struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type wireAction struct {
	ActionName string    `json:"actionName"`
	Timestamp  time.Time `json:"timestamp"`
	Reason     *string   `json:"reason,omitempty"`
}

type wireDiagnosis struct {
	Diagnosis  string  `json:"diagnosis"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Codec stamps packed blobs with this build's version and device.
type Codec struct {
	AppVersion string
	DeviceID   string
	Now        func() time.Time
}

func NewCodec(appVersion, deviceID string) *Codec {
	return &Codec{AppVersion: appVersion, DeviceID: deviceID, Now: time.Now}
}

// Pack serializes the session's blob-carried fields as RFC 8785 canonical JSON.
func (c *Codec) Pack(s *models.Session) (string, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	w := wireSnapshot{
		Messages:         make([]wireMessage, 0, len(s.Messages)),
		Actions:          make([]wireAction, 0, len(s.PerformedActions)),
		Notes:            s.Notes,
		Differential:     make([]wireDiagnosis, 0, len(s.Differential)),
		Evaluation:       s.EvaluationPayload,
		ClientTimestamp:  now().UTC(),
		AppVersion:       c.AppVersion,
		DeviceIdentifier: c.DeviceID,
	}
	for _, m := range s.Messages {
		w.Messages = append(w.Messages, wireMessage{Sender: m.Sender, Content: m.Content, Timestamp: m.Timestamp.UTC()})
	}
	for _, a := range s.PerformedActions {
		w.Actions = append(w.Actions, wireAction{ActionName: a.ActionName, Timestamp: a.Timestamp.UTC(), Reason: a.Reason})
	}
	for _, d := range s.Differential {
		w.Differential = append(w.Differential, wireDiagnosis(d))
	}

	raw, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncodeSnapshot, err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalize: %v", ErrEncodeSnapshot, err)
	}
	return string(canonical), nil
}

// Unpack decodes a blob written by any app version. Unknown fields are
// ignored and missing optional fields take their zero value; anything that
// does not match the snapshot structure is rejected as a whole.
func Unpack(blob string) (*Snapshot, error) {
	if blob == "" {
		return nil, fmt.Errorf("%w: empty blob", ErrCorruptSnapshot)
	}
	if err := validateStructure([]byte(blob)); err != nil {
		return nil, err
	}

	var w wireSnapshot
	if err := json.Unmarshal([]byte(blob), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	content := models.SessionContent{
		Messages:     make([]models.Message, 0, len(w.Messages)),
		Actions:      make([]models.PerformedAction, 0, len(w.Actions)),
		Notes:        w.Notes,
		Differential: make([]models.DiagnosisEntry, 0, len(w.Differential)),
		Evaluation:   w.Evaluation,
	}
	for _, m := range w.Messages {
		content.Messages = append(content.Messages, models.Message(m))
	}
	for _, a := range w.Actions {
		content.Actions = append(content.Actions, models.PerformedAction(a))
	}
	for _, d := range w.Differential {
		content.Differential = append(content.Differential, models.DiagnosisEntry(d))
	}

	return &Snapshot{
		Content:          content,
		ClientTimestamp:  w.ClientTimestamp,
		AppVersion:       w.AppVersion,
		DeviceIdentifier: w.DeviceIdentifier,
	}, nil
}

// Digest returns the sha256 hex digest of the blob's canonical form.
func Digest(blob string) (string, error) {
	canonical, err := jcs.Transform([]byte(blob))
	if err != nil {
		return "", fmt.Errorf("%w: canonicalize: %v", ErrCorruptSnapshot, err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyDigest checks a blob against the digest recorded next to it. An empty
// expected digest means the writer predates digests and is accepted.
func VerifyDigest(blob, expected string) error {
	if expected == "" {
		return nil
	}
	got, err := Digest(blob)
	if err != nil {
		return err
	}
	if got != expected {
		return fmt.Errorf("%w: digest mismatch (want %s, got %s)", ErrCorruptSnapshot, expected, got)
	}
	return nil
}
