package media

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mohitkumar/streamflow/scheduler"
)

const (
	TABLE            = "media-schedules"
	SCHEDULE_GROUP   = "media-scheduler"
	RECORD_WORKFLOW  = "media-record"
	CHANNEL_WORKFLOW = "media-channel"
	TOPIC            = "media-channel"
)

var channelIdRegex = regexp.MustCompile(`^\d+$`)

// ISO8601 layouts accepted for start and end times. Times without an offset
// are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// MediaRecord is the part of a media-schedules record the workflows use.
type MediaRecord struct {
	MediaChannelId string `json:"mediaChannelId"`
	StartDateTime  string `json:"startDateTime"`
	EndDateTime    string `json:"endDateTime"`
	ManifestUrl    string `json:"manifestUrl,omitempty"`
}

func (r MediaRecord) toMap() map[string]any {
	m := map[string]any{
		"mediaChannelId": r.MediaChannelId,
		"startDateTime":  r.StartDateTime,
		"endDateTime":    r.EndDateTime,
	}
	if len(r.ManifestUrl) != 0 {
		m["manifestUrl"] = r.ManifestUrl
	}
	return m
}

type Validation struct {
	IsValid            bool
	ErrorMessage       string
	Record             MediaRecord
	ScheduleName       string
	ScheduleExpression string
	WorkflowInput      map[string]any
}

// Map is the function output the workflows address, e.g. $.validation.isValid.
func (v Validation) Map() map[string]any {
	if !v.IsValid {
		return map[string]any{
			"isValid":      false,
			"errorMessage": v.ErrorMessage,
			"record":       v.Record.toMap(),
		}
	}
	return map[string]any{
		"isValid":            true,
		"record":             v.Record.toMap(),
		"scheduleName":       v.ScheduleName,
		"scheduleExpression": v.ScheduleExpression,
		"workflowInput":      v.WorkflowInput,
	}
}

func invalid(rec MediaRecord, format string, args ...any) Validation {
	return Validation{ErrorMessage: fmt.Sprintf(format, args...), Record: rec}
}

func ParseTime(value string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not an ISO8601 date time", value)
}

func attribute(image map[string]any, name string) string {
	switch v := image[name].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// ScheduleName is unique per channel and start time and only uses characters
// schedule names allow.
func ScheduleName(rec MediaRecord) string {
	start := strings.ReplaceAll(rec.StartDateTime, "+", "-plus-")
	start = strings.ReplaceAll(start, ":", "-")
	return "media-" + rec.MediaChannelId + "-" + start
}

func validManifestUrl(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || len(u.Host) == 0 {
		return false
	}
	lower := strings.ToLower(raw)
	return strings.HasSuffix(lower, ".m3u8") || strings.HasSuffix(lower, ".mpd")
}

// ValidateMediaRecord checks a record image and derives its one-shot
// schedule. The schedule fires leadTime before the start.
func ValidateMediaRecord(image map[string]any, leadTime time.Duration) Validation {
	rec := MediaRecord{
		MediaChannelId: attribute(image, "mediaChannelId"),
		StartDateTime:  attribute(image, "startDateTime"),
		EndDateTime:    attribute(image, "endDateTime"),
		ManifestUrl:    attribute(image, "manifestUrl"),
	}
	for _, field := range []struct{ name, value string }{
		{"mediaChannelId", rec.MediaChannelId},
		{"startDateTime", rec.StartDateTime},
		{"endDateTime", rec.EndDateTime},
		{"manifestUrl", rec.ManifestUrl},
	} {
		if len(field.value) == 0 {
			return invalid(rec, "Missing required field: %s", field.name)
		}
	}
	if !channelIdRegex.MatchString(rec.MediaChannelId) {
		return invalid(rec, "Invalid mediaChannelId format: %s. Must contain only numbers", rec.MediaChannelId)
	}
	start, err := ParseTime(rec.StartDateTime)
	if err != nil {
		return invalid(rec, "Invalid startDateTime format: %s. Must be ISO8601", rec.StartDateTime)
	}
	end, err := ParseTime(rec.EndDateTime)
	if err != nil {
		return invalid(rec, "Invalid endDateTime format: %s. Must be ISO8601", rec.EndDateTime)
	}
	if !end.After(start) {
		return invalid(rec, "Invalid endDateTime: %s. Must be after startDateTime %s", rec.EndDateTime, rec.StartDateTime)
	}
	if !validManifestUrl(rec.ManifestUrl) {
		return invalid(rec, "Invalid manifestUrl format: %s. Must start with http(s) and end with .mpd or .m3u8", rec.ManifestUrl)
	}
	fireAt := start.Add(-leadTime)
	return Validation{
		IsValid:            true,
		Record:             rec,
		ScheduleName:       ScheduleName(rec),
		ScheduleExpression: "at(" + fireAt.Format(scheduler.AT_LAYOUT) + ")",
		WorkflowInput: map[string]any{
			"mediaChannelId": rec.MediaChannelId,
			"startDateTime":  rec.StartDateTime,
			"endDateTime":    rec.EndDateTime,
			"manifestUrl":    rec.ManifestUrl,
			"scheduledTime":  fireAt.Format(time.RFC3339),
			"endAt":          end.Format(time.RFC3339),
		},
	}
}
