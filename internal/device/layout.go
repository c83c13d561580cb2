package device

import (
	"fmt"
	"path"
	"path/filepath"
	"time"
	_ "time/tzdata"
)

const folderFormat = "20060102150405"

// Layout maps a task to where its files live, locally and on the device.
// Both sides use a folder named after the task time in loc.
type Layout struct {
	UploadDir string
	loc       *time.Location
}

// NewLayout resolves tz with time.LoadLocation; an empty tz means UTC.
func NewLayout(uploadDir, tz string) (Layout, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Layout{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return Layout{UploadDir: uploadDir, loc: loc}, nil
}

func (l Layout) location() *time.Location {
	if l.loc == nil {
		return time.UTC
	}
	return l.loc
}

// Folder formats an epoch-seconds task time as yyyymmddhhmmss.
func (l Layout) Folder(scheduled int64) string {
	return time.Unix(scheduled, 0).In(l.location()).Format(folderFormat)
}

func (l Layout) LocalDir(deviceName string, scheduled int64) string {
	return filepath.Join(l.UploadDir, deviceName, l.Folder(scheduled))
}

func (l Layout) LocalPath(deviceName string, scheduled int64, file string) string {
	return filepath.Join(l.LocalDir(deviceName, scheduled), filepath.Base(file))
}

func (l Layout) RemoteDir(devicePath string, scheduled int64) string {
	return path.Join(devicePath, l.Folder(scheduled))
}

func (l Layout) RemotePath(devicePath string, scheduled int64, file string) string {
	return path.Join(l.RemoteDir(devicePath, scheduled), filepath.Base(file))
}
