package tasksource

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// SourceKind names a source adapter variant.
type SourceKind string

const (
	KindSchedule       SourceKind = "schedule"
	KindRefreshInTime  SourceKind = "refresh-in-time"
	KindThirdPartyPush SourceKind = "third-party-push"
)

// Source is the configuration of one external task source. The set of
// variants is closed: ScheduleSource, RefreshInTimeSource and
// ThirdPartyPushSource.
type Source interface {
	Kind() SourceKind
	Validate() error
	isSource()
}

// ScheduleSource pulls instances on a cron schedule. Cron takes the
// standard five fields or a descriptor such as "@hourly".
type ScheduleSource struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
}

// RefreshInTimeSource pulls instances at a fixed interval.
type RefreshInTimeSource struct {
	Interval time.Duration `json:"interval"`
}

// ThirdPartyPushSource receives instances pushed by an external platform.
type ThirdPartyPushSource struct {
	Platform string `json:"platform"`
	Endpoint string `json:"endpoint,omitempty"`
}

func (ScheduleSource) Kind() SourceKind       { return KindSchedule }
func (RefreshInTimeSource) Kind() SourceKind  { return KindRefreshInTime }
func (ThirdPartyPushSource) Kind() SourceKind { return KindThirdPartyPush }

func (ScheduleSource) isSource()       {}
func (RefreshInTimeSource) isSource()  {}
func (ThirdPartyPushSource) isSource() {}

func (s ScheduleSource) Validate() error {
	if s.Cron == "" {
		return fmt.Errorf("schedule source needs a cron expression")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("schedule source timezone: %w", err)
		}
	}
	if _, err := s.Schedule(); err != nil {
		return fmt.Errorf("schedule source cron %q: %w", s.Cron, err)
	}
	return nil
}

// Schedule parses the cron expression in the source's timezone.
func (s ScheduleSource) Schedule() (cron.Schedule, error) {
	expr := s.Cron
	if s.Timezone != "" {
		expr = "CRON_TZ=" + s.Timezone + " " + expr
	}
	return cron.ParseStandard(expr)
}

func (s RefreshInTimeSource) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %s", s.Interval)
	}
	return nil
}

func (s ThirdPartyPushSource) Validate() error {
	if s.Platform == "" {
		return fmt.Errorf("third-party push source needs a platform")
	}
	return nil
}

// Capability returns the capability tag a fitable declares when it can
// serve sources of kind.
func Capability(kind SourceKind) string {
	return "source:" + string(kind)
}

// CapabilityFor returns the capability tag for src, or "" for nil.
func CapabilityFor(src Source) string {
	switch Concrete(src).(type) {
	case ScheduleSource:
		return Capability(KindSchedule)
	case RefreshInTimeSource:
		return Capability(KindRefreshInTime)
	case ThirdPartyPushSource:
		return Capability(KindThirdPartyPush)
	}
	return ""
}

// Concrete returns the value variant behind a pointer variant, and nil for a
// nil pointer. Value variants are returned as they are.
func Concrete(src Source) Source {
	switch s := src.(type) {
	case *ScheduleSource:
		if s == nil {
			return nil
		}
		return *s
	case *RefreshInTimeSource:
		if s == nil {
			return nil
		}
		return *s
	case *ThirdPartyPushSource:
		if s == nil {
			return nil
		}
		return *s
	}
	return src
}

// MarshalSource encodes src's configuration. The kind is stored separately.
func MarshalSource(src Source) (SourceKind, []byte, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return "", nil, err
	}
	return src.Kind(), data, nil
}

// UnmarshalSource rebuilds a source from its kind and configuration.
func UnmarshalSource(kind SourceKind, data []byte) (Source, error) {
	var src Source
	var err error
	switch kind {
	case KindSchedule:
		var s ScheduleSource
		err = json.Unmarshal(data, &s)
		src = s
	case KindRefreshInTime:
		var s RefreshInTimeSource
		err = json.Unmarshal(data, &s)
		src = s
	case KindThirdPartyPush:
		var s ThirdPartyPushSource
		err = json.Unmarshal(data, &s)
		src = s
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s source: %w", kind, err)
	}
	return src, nil
}
