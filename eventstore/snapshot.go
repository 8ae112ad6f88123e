package eventstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/twintalk/twintalk-go/twin"
)

var (
	// ErrInvalidSnapshotJSON is returned when stored snapshot data is malformed.
	ErrInvalidSnapshotJSON = errors.New("snapshot json is not valid")

	// ErrZeroSnapshotVersion is returned when a snapshot carries version 0;
	// a twin always has at least its genesis event applied.
	ErrZeroSnapshotVersion = errors.New("snapshot version must be at least 1")
)

// StorableSnapshot is the persistable form of a twin checkpoint, keyed by
// (twin_id, version).
type StorableSnapshot struct {
	TwinID    string
	Kind      string
	Version   uint64
	Retired   bool
	SlotsJSON []byte
	TakenAt   time.Time
}

// BuildStorableSnapshot converts a domain snapshot into its persistable form.
func BuildStorableSnapshot(s twin.Snapshot) (StorableSnapshot, error) {
	if s.Version == 0 {
		return StorableSnapshot{}, ErrZeroSnapshotVersion
	}

	slotsJSON, err := json.Marshal(s.Slots)
	if err != nil {
		return StorableSnapshot{}, errors.Join(ErrInvalidSnapshotJSON, err)
	}

	return StorableSnapshot{
		TwinID:    s.TwinID.String(),
		Kind:      s.Kind,
		Version:   s.Version,
		Retired:   s.Retired,
		SlotsJSON: slotsJSON,
		TakenAt:   s.TakenAt.UTC(),
	}, nil
}

// ToSnapshot converts a stored record back into a domain snapshot.
func (ss StorableSnapshot) ToSnapshot() (twin.Snapshot, error) {
	twinID, err := twin.ParseTwinID(ss.TwinID)
	if err != nil {
		return twin.Snapshot{}, fmt.Errorf("parsing stored twin id: %w", err)
	}

	var slots map[string]twin.Value
	if err := json.Unmarshal(ss.SlotsJSON, &slots); err != nil {
		return twin.Snapshot{}, errors.Join(ErrInvalidSnapshotJSON, err)
	}

	return twin.Snapshot{
		TwinID:  twinID,
		Kind:    ss.Kind,
		Version: ss.Version,
		Retired: ss.Retired,
		Slots:   slots,
		TakenAt: ss.TakenAt,
	}, nil
}
