package db

import "time"

// Classroom is a read-only collaborator record; the roster is the
// enrollment source of truth for scan validation.
type Classroom struct {
	ID           string
	Name         string
	StudentRolls []string
}

func (c Classroom) HasRoll(rollNo string) bool {
	for _, roll := range c.StudentRolls {
		if roll == rollNo {
			return true
		}
	}
	return false
}

type AttendanceRecord struct {
	ID             string
	RollNo         string
	DeviceID       string
	ClassroomID    string
	ClassroomName  string
	ClassSessionID string
	Email          string
	DisplayName    string
	Date           time.Time
	ScannedAt      time.Time
	CreatedAt      time.Time
}

type CreateAttendanceParams struct {
	RollNo         string
	DeviceID       string
	ClassroomID    string
	ClassroomName  string
	ClassSessionID string
	Email          string
	DisplayName    string
	Date           time.Time
	ScannedAt      time.Time
}

type AttendancePercentage struct {
	Email                string
	DisplayName          string
	RollNo               string
	ClassroomID          string
	ClassroomName        string
	AttendancePercentage float64
	LastUpdatedAt        time.Time
}

type UpsertAttendancePercentageParams struct {
	Email                string
	DisplayName          string
	RollNo               string
	ClassroomID          string
	ClassroomName        string
	AttendancePercentage float64
	LastUpdatedAt        time.Time
}

type UpdateAttendancePercentageParams struct {
	RollNo               string
	Email                *string
	DisplayName          *string
	AttendancePercentage *float64
}

type ClassroomSessionCount struct {
	ClassroomID   string
	TotalSessions int64
}

type StudentClassroomCombo struct {
	RollNo        string
	ClassroomID   string
	ClassroomName string
}
