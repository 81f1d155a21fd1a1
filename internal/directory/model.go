// Package directory holds the patient and doctor records that follow-ups are
// opened for.
package directory

import (
	"errors"
	"strings"
	"time"

	"github.com/wolfman30/docfollow/internal/followup"
	"github.com/wolfman30/docfollow/internal/messaging"
)

var (
	// ErrPatientNotFound is returned when a patient id is unknown.
	ErrPatientNotFound = errors.New("directory: patient not found")
	// ErrDoctorNotFound is returned when a doctor id is unknown.
	ErrDoctorNotFound = errors.New("directory: doctor not found")
	// ErrPhoneTaken is returned when another patient already uses the phone number.
	ErrPhoneTaken = errors.New("directory: phone number belongs to another patient")
	// ErrInvalidRecord is returned when required fields are missing.
	ErrInvalidRecord = errors.New("directory: invalid record")
)

// Patient is a person under a doctor's care with a scheduled follow-up.
type Patient struct {
	ID           string    `json:"id"`
	DoctorID     string    `json:"doctor_id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Email        string    `json:"email,omitempty"`
	Diagnosis    string    `json:"diagnosis,omitempty"`
	FollowUpDate string    `json:"followup_date,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Doctor owns patients and reviews their follow-ups.
type Doctor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	TimeZone  string    `json:"time_zone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Normalize trims fields and canonicalizes the phone number.
func (p *Patient) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.TrimSpace(p.Email)
	p.Diagnosis = strings.TrimSpace(p.Diagnosis)
	p.Phone = messaging.NormalizeE164(p.Phone)
}

// Validate checks the fields a follow-up needs.
func (p *Patient) Validate() error {
	switch {
	case p.ID == "":
		return errors.Join(ErrInvalidRecord, errors.New("patient id is required"))
	case p.DoctorID == "":
		return errors.Join(ErrInvalidRecord, errors.New("doctor id is required"))
	case p.Phone == "":
		return errors.Join(ErrInvalidRecord, errors.New("phone is required"))
	}
	if p.FollowUpDate != "" {
		if _, err := time.Parse(time.DateOnly, p.FollowUpDate); err != nil {
			return errors.Join(ErrInvalidRecord, errors.New("follow-up date must be YYYY-MM-DD"))
		}
	}
	return nil
}

// Location returns the doctor's time zone, falling back to UTC.
func (d *Doctor) Location() *time.Location {
	if d == nil || d.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Participants snapshots the contact details a conversation carries.
func Participants(p *Patient, d *Doctor) followup.Participants {
	out := followup.Participants{
		PatientName:  p.Name,
		PatientPhone: p.Phone,
		Diagnosis:    p.Diagnosis,
	}
	if d != nil {
		out.DoctorName = d.Name
		out.DoctorEmail = d.Email
	}
	return out
}
