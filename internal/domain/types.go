package domain

import "time"

type Task struct {
	ID            int64
	DeviceName    string
	DeviceID      string // physical serial, joined from devices; empty if the device row is gone
	UploadID      int64
	ScheduledTime int64 // epoch seconds
	Status        TaskStatus
	CreatedAt     int64
	UpdatedAt     int64
}

// Due reports whether the task may progress to automation at now.
func (t Task) Due(now time.Time) bool {
	return t.ScheduledTime <= now.Unix()
}

type Device struct {
	DeviceName string
	DeviceID   string
	DevicePath string
	Password   string
	CreatedAt  int64
	UpdatedAt  int64
}

type Upload struct {
	ID            int64
	DeviceName    string
	ScheduledTime int64
	Title         string
	Content       string
	Files         []string
	CreatedAt     int64
	UpdatedAt     int64
}

// TaskDetail is a task read together with its associations.
// Device or Upload is nil when the referenced row cannot be found.
type TaskDetail struct {
	Task   Task
	Device *Device
	Upload *Upload
}

type Attempt struct {
	ID         string
	TaskID     int64
	Stage      TaskStatus
	Number     int
	Success    bool
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

type StatusChange struct {
	TaskID     int64      `json:"task_id"`
	DeviceName string     `json:"device_name"`
	From       TaskStatus `json:"from"`
	To         TaskStatus `json:"to"`
	At         int64      `json:"at"`
}

// Clock is the engine's canonical time source. Implementations must return
// UTC so comparisons never depend on the host timezone.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
