package domain

import (
	"time"

	"github.com/google/uuid"
)

// Measurement is a single timestamped numeric observation for a patient.
// Multiple measurements may exist for the same patient and measure at
// different timestamps; the store enforces uniqueness per
// (patient_id, measure_id, measured_at).
type Measurement struct {
	ID         int64     `json:"id"`
	PatientID  uuid.UUID `json:"patient_id"`
	MeasureID  uuid.UUID `json:"measure_id"`
	MeasuredAt time.Time `json:"measured_at"`
	Value      float64   `json:"value"`
	RecordedBy string    `json:"recorded_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
