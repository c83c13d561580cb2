package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"postflow/internal/domain"
)

var ErrDeviceOffline = errors.New("device offline")

const (
	keyPower  = "26"
	keyMenu   = "82"
	keyEnter  = "66"
	mediaScan = "android.intent.action.MEDIA_SCANNER_SCAN_FILE"
)

type Config struct {
	ADBPath           string
	AutomationCommand string
	// StepDelay is the pause after screen input so the device UI can settle.
	StepDelay time.Duration
}

// Operator drives physical devices over adb. It implements the executor's
// DeviceOps.
type Operator struct {
	runner Runner
	layout Layout
	cfg    Config
}

func NewOperator(r Runner, layout Layout, cfg Config) *Operator {
	if cfg.ADBPath == "" {
		cfg.ADBPath = "adb"
	}
	return &Operator{runner: r, layout: layout, cfg: cfg}
}

func (o *Operator) adb(ctx context.Context, serial string, args ...string) (string, error) {
	return o.runner.Run(ctx, o.cfg.ADBPath, append([]string{"-s", serial}, args...)...)
}

// Transfer wakes and unlocks the device and pushes the upload's files into a
// folder named after the task time.
func (o *Operator) Transfer(ctx context.Context, d domain.TaskDetail) (bool, error) {
	dev, up := d.Device, d.Upload
	logger := log.With().Int64("task_id", d.Task.ID).Str("device_id", dev.DeviceID).Logger()

	if err := o.checkOnline(ctx, dev.DeviceID); err != nil {
		return false, err
	}
	if len(up.Files) == 0 {
		logger.Error().Int64("upload_id", up.ID).Msg("upload has no files")
		return false, nil
	}

	locals := make([]string, len(up.Files))
	remotes := make([]string, len(up.Files))
	for i, f := range up.Files {
		locals[i] = o.layout.LocalPath(d.Task.DeviceName, d.Task.ScheduledTime, f)
		remotes[i] = o.layout.RemotePath(dev.DevicePath, d.Task.ScheduledTime, f)
		if _, err := os.Stat(locals[i]); err != nil {
			logger.Error().Err(err).Str("file", locals[i]).Msg("local file missing")
			return false, nil
		}
	}

	if err := o.unlock(ctx, logger, *dev); err != nil {
		return false, fmt.Errorf("unlock: %w", err)
	}

	remoteDir := o.layout.RemoteDir(dev.DevicePath, d.Task.ScheduledTime)
	if _, err := o.adb(ctx, dev.DeviceID, "shell", "mkdir", "-p", quote(remoteDir)); err != nil {
		return false, fmt.Errorf("create %s: %w", remoteDir, err)
	}
	for i := range locals {
		if _, err := o.adb(ctx, dev.DeviceID, "push", locals[i], remotes[i]); err != nil {
			return false, fmt.Errorf("push %s: %w", locals[i], err)
		}
		logger.Debug().Str("remote", remotes[i]).Int("file", i+1).Int("files", len(locals)).Msg("file pushed")
	}

	if _, err := o.adb(ctx, dev.DeviceID, "shell", "am", "broadcast", "-a", mediaScan, "-d", quote("file://"+remoteDir)); err != nil {
		logger.Warn().Err(err).Msg("media scan broadcast failed")
	}

	logger.Info().Int("files", len(locals)).Str("remote_dir", remoteDir).Msg("files transferred")
	return true, nil
}

// Automate runs the external automation command that posts the content. A
// non-zero exit is a reported failure; failing to run it at all is an error.
func (o *Operator) Automate(ctx context.Context, d domain.TaskDetail) (bool, error) {
	dev, up := d.Device, d.Upload
	if o.cfg.AutomationCommand == "" {
		return false, errors.New("no automation command configured")
	}
	if err := o.checkOnline(ctx, dev.DeviceID); err != nil {
		return false, err
	}

	args := []string{
		"--serial", dev.DeviceID,
		"--title", up.Title,
		"--content", up.Content,
		"--folder", o.layout.RemoteDir(dev.DevicePath, d.Task.ScheduledTime),
	}
	if dev.Password != "" {
		args = append(args, "--password", dev.Password)
	}

	out, err := o.runner.Run(ctx, o.cfg.AutomationCommand, args...)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		log.Warn().Int64("task_id", d.Task.ID).Int("exit_code", exitErr.Code).Str("output", tail(exitErr.Output)).Msg("automation reported failure")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Info().Int64("task_id", d.Task.ID).Str("device_id", dev.DeviceID).Str("output", tail(out)).Msg("automation finished")
	return true, nil
}

func (o *Operator) checkOnline(ctx context.Context, serial string) error {
	out, err := o.adb(ctx, serial, "get-state")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDeviceOffline, serial, err)
	}
	if state := strings.TrimSpace(out); state != "device" {
		return fmt.Errorf("%w: %s is %q", ErrDeviceOffline, serial, state)
	}
	return nil
}

func (o *Operator) unlock(ctx context.Context, logger zerolog.Logger, dev domain.Device) error {
	out, err := o.adb(ctx, dev.DeviceID, "shell", "dumpsys", "power")
	if err != nil {
		return err
	}
	if !screenOn(out) {
		if _, err := o.adb(ctx, dev.DeviceID, "shell", "input", "keyevent", keyPower); err != nil {
			return err
		}
		if err := o.pause(ctx); err != nil {
			return err
		}
	}
	if _, err := o.adb(ctx, dev.DeviceID, "shell", "input", "keyevent", keyMenu); err != nil {
		return err
	}
	if dev.Password != "" {
		if _, err := o.adb(ctx, dev.DeviceID, "shell", "input", "text", dev.Password); err != nil {
			return err
		}
		if _, err := o.adb(ctx, dev.DeviceID, "shell", "input", "keyevent", keyEnter); err != nil {
			return err
		}
	}
	logger.Debug().Msg("screen unlocked")
	return o.pause(ctx)
}

func (o *Operator) pause(ctx context.Context) error {
	if o.cfg.StepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(o.cfg.StepDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func screenOn(dumpsys string) bool {
	return strings.Contains(dumpsys, "mWakefulness=Awake") || strings.Contains(dumpsys, "Display Power: state=ON")
}

// quote protects a path for the device shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return s[len(s)-512:]
	}
	return s
}
