package dispatch

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"lampbridge/internal/storage"
)

// Lamp operating modes as reported by the device.
const (
	StatusFree    = 0
	StatusOff     = 1
	StatusCheck   = 2
	StatusRunning = 3
)

// Causes for a status transition.
const (
	ReasonStatusModified           = 1
	ReasonTimedOpen                = 2
	ReasonTimedClose               = 3
	ReasonPlatformOpen             = 4
	ReasonPlatformClose            = 5
	ReasonInfraredAlarmActivated   = 6
	ReasonInfraredAlarmDeactivated = 7
	ReasonDetectionNormal          = 8
	ReasonIllegalLamp              = 9
)

const timestampLayout = "2006-01-02 15:04:05"

// switchPayload is the stored device telemetry/ack payload for switch jobs.
// Pointer fields distinguish "absent" from zero, since 0 is a valid status.
type switchPayload struct {
	Status   *int   `json:"status"`
	Strength int    `json:"strength"`
	Duration int    `json:"duration"`
	TS       string `json:"ts"`
	Reason   *int   `json:"reason"`
}

// statusPayload is the stored payload for a non-synthetic status job.
type statusPayload struct {
	TS string `json:"ts"`
}

// SwitchNotifyBody is the webhook body for LIGHT_SWITCH_TASK jobs.
type SwitchNotifyBody struct {
	Status       int    `json:"status"`
	DeviceNumber string `json:"device_number"`
	Strength     int    `json:"strength"`
	Duration     int    `json:"duration"`
	Timestamp    string `json:"timestamp"`
	Reason       int    `json:"reason"`
}

// StatusNotifyBody is the webhook body for LIGHT_STATUS_TASK jobs.
type StatusNotifyBody struct {
	DeviceNumber string `json:"device_number"`
	IsOnline     bool   `json:"is_online"`
	Timestamp    string `json:"timestamp"`
}

// renderBody builds the outbound webhook body for a job. Empty contents mean
// a synthetic offline event regardless of job type. A render error is routed
// into the backoff path by the caller, same as a delivery failure.
func renderBody(job storage.Job, now time.Time) (any, error) {
	if job.NotifyContents == "" {
		return StatusNotifyBody{
			DeviceNumber: job.DeviceNumber,
			IsOnline:     false,
			Timestamp:    now.Format(timestampLayout),
		}, nil
	}

	switch job.JobType {
	case storage.JobTypeLightSwitch:
		var p switchPayload
		if err := json.Unmarshal([]byte(job.NotifyContents), &p); err != nil {
			return nil, errors.Wrapf(err, "job %d: parse switch payload", job.ID)
		}
		if p.Status == nil || p.Reason == nil {
			return nil, errors.Newf("job %d: switch payload missing status or reason", job.ID)
		}
		if *p.Status < StatusFree || *p.Status > StatusRunning {
			return nil, errors.Newf("job %d: status %d out of range", job.ID, *p.Status)
		}
		if *p.Reason < ReasonStatusModified || *p.Reason > ReasonIllegalLamp {
			return nil, errors.Newf("job %d: reason %d out of range", job.ID, *p.Reason)
		}
		return SwitchNotifyBody{
			Status:       *p.Status,
			DeviceNumber: job.DeviceNumber,
			Strength:     p.Strength,
			Duration:     p.Duration,
			Timestamp:    p.TS,
			Reason:       *p.Reason,
		}, nil
	case storage.JobTypeLightStatus:
		var p statusPayload
		if err := json.Unmarshal([]byte(job.NotifyContents), &p); err != nil {
			return nil, errors.Wrapf(err, "job %d: parse status payload", job.ID)
		}
		return StatusNotifyBody{
			DeviceNumber: job.DeviceNumber,
			IsOnline:     true,
			Timestamp:    p.TS,
		}, nil
	default:
		return nil, errors.Newf("job %d: unknown job type %q", job.ID, job.JobType)
	}
}
