// Package events defines the waiting-queue event payloads known to the
// pipeline. Payloads are data only; queue domain rules live with the
// command handlers that emit them.
package events

import (
	"errors"

	"github.com/plaenen/waitqueue/pkg/eventsourcing"
)

// Stable event names. These are wire contracts: renaming one breaks
// replay of the existing log.
const (
	PatientCheckedInName = "waitqueue.patient_checked_in"
	PatientCalledName    = "waitqueue.patient_called"
	CheckInCancelledName = "waitqueue.check_in_cancelled"
	VisitCompletedName   = "waitqueue.visit_completed"
)

// PatientCheckedIn is emitted when a patient joins the waiting queue.
type PatientCheckedIn struct {
	PatientID   string `json:"patient_id"`
	PatientName string `json:"patient_name"`
	Priority    string `json:"priority"`
	Reason      string `json:"reason,omitempty"`
}

func (PatientCheckedIn) EventName() string  { return PatientCheckedInName }
func (PatientCheckedIn) SchemaVersion() int { return 1 }

func (e *PatientCheckedIn) Validate() error {
	if e.PatientID == "" {
		return errors.New("patient_id is required")
	}
	if e.Priority == "" {
		return errors.New("priority is required")
	}
	return nil
}

// PatientCalled is emitted when a patient is called to a room.
type PatientCalled struct {
	PatientID string `json:"patient_id"`
	Room      string `json:"room,omitempty"`
}

func (PatientCalled) EventName() string  { return PatientCalledName }
func (PatientCalled) SchemaVersion() int { return 1 }

func (e *PatientCalled) Validate() error {
	if e.PatientID == "" {
		return errors.New("patient_id is required")
	}
	return nil
}

// CheckInCancelled is emitted when a waiting patient leaves the queue
// before being called.
type CheckInCancelled struct {
	PatientID string `json:"patient_id"`
	Reason    string `json:"reason,omitempty"`
}

func (CheckInCancelled) EventName() string  { return CheckInCancelledName }
func (CheckInCancelled) SchemaVersion() int { return 1 }

func (e *CheckInCancelled) Validate() error {
	if e.PatientID == "" {
		return errors.New("patient_id is required")
	}
	return nil
}

// VisitCompleted is emitted when a called patient's visit finishes.
type VisitCompleted struct {
	PatientID string `json:"patient_id"`
}

func (VisitCompleted) EventName() string  { return VisitCompletedName }
func (VisitCompleted) SchemaVersion() int { return 1 }

func (e *VisitCompleted) Validate() error {
	if e.PatientID == "" {
		return errors.New("patient_id is required")
	}
	return nil
}

// NewRegistry returns a payload registry with every queue event registered.
func NewRegistry() *eventsourcing.Registry {
	reg := eventsourcing.NewRegistry()
	reg.Register(func() eventsourcing.Payload { return &PatientCheckedIn{} })
	reg.Register(func() eventsourcing.Payload { return &PatientCalled{} })
	reg.Register(func() eventsourcing.Payload { return &CheckInCancelled{} })
	reg.Register(func() eventsourcing.Payload { return &VisitCompleted{} })
	return reg
}
