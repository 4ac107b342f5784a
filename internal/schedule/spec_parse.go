package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// specParser accepts both 5-field and 6-field (optional seconds) cron
// expressions plus the @hourly/@daily/@every descriptors.
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// compile validates a spec and builds its runtime entry. defaultTZ applies
// to cron schedules that don't name their own timezone.
func compile(sp Spec, defaultTZ string) (*entry, error) {
	if strings.TrimSpace(sp.Name) == "" {
		return nil, fmt.Errorf("name required")
	}
	if strings.TrimSpace(sp.WorkflowID) == "" {
		return nil, fmt.Errorf("workflow_id required")
	}

	e := &entry{spec: sp}
	switch sp.Strategy {
	case StrategyCron:
		expr := strings.TrimSpace(sp.CronExpr)
		if expr == "" {
			return nil, fmt.Errorf("cron_expr required for cron strategy")
		}
		tz := strings.TrimSpace(sp.Timezone)
		if tz == "" {
			tz = strings.TrimSpace(defaultTZ)
		}
		if tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
			}
			// robfig strips the prefix before descriptor handling and
			// computes Next in this location, which is what makes the
			// result DST-correct.
			expr = "CRON_TZ=" + tz + " " + expr
		}
		sched, err := specParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid cron_expr %q: %w", sp.CronExpr, err)
		}
		e.cron = sched
	case StrategyInterval:
		every, err := ParseInterval(sp.Interval)
		if err != nil {
			return nil, err
		}
		e.every = every
	case StrategyOneTime:
		if sp.RunAt.IsZero() {
			return nil, fmt.Errorf("run_at required for one_time strategy")
		}
	case StrategyDependency:
		if len(sp.DependsOn) == 0 {
			return nil, fmt.Errorf("depends_on required for dependency strategy")
		}
		seen := make(map[string]struct{}, len(sp.DependsOn))
		for _, id := range sp.DependsOn {
			if id == sp.ID {
				return nil, fmt.Errorf("schedule cannot depend on itself")
			}
			if _, dup := seen[id]; dup {
				return nil, fmt.Errorf("duplicate dependency %q", id)
			}
			seen[id] = struct{}{}
		}
	case StrategyEvent:
		if strings.TrimSpace(sp.EventType) == "" {
			return nil, fmt.Errorf("event_type required for event strategy")
		}
	default:
		return nil, fmt.Errorf("unknown strategy %q", sp.Strategy)
	}
	return e, nil
}

// ParseInterval parses an interval string.
//
// Supported forms:
//   - Go duration: "55m", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func ParseInterval(raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		return parseHHMMDuration(v)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
