package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vextir/lightning/pkg/driver"
	"github.com/vextir/lightning/pkg/log"
	"github.com/vextir/lightning/pkg/storage"
	"github.com/vextir/lightning/pkg/types"
)

// SchedulerDriver consumes plan.schedule events and fires event.<name>
// on the configured POSIX cron expression or ISO-8601 duration
// interval. Job state persists in the "schedules" container
// (pk=user_id) and is reloaded on initialization.
type SchedulerDriver struct {
	rt     driver.Runtime
	logger zerolog.Logger

	cron *cron.Cron

	mu   sync.Mutex
	jobs map[string]*scheduledJob
}

type scheduledJob struct {
	id       string
	userID   string
	name     string
	spec     string // cron expression or ISO-8601 duration
	isCron   bool
	payload  map[string]any // event data carried by each tick
	cronID   cron.EntryID
	stopCh   chan struct{}
	interval time.Duration
}

// NewSchedulerDriver creates the scheduler driver.
func NewSchedulerDriver() *SchedulerDriver {
	return &SchedulerDriver{
		logger: log.WithComponent("scheduler-driver"),
		cron:   cron.New(), // standard 5-field POSIX parser
		jobs:   make(map[string]*scheduledJob),
	}
}

// Manifest implements driver.Driver.
func (d *SchedulerDriver) Manifest() driver.Manifest {
	return driver.Manifest{
		ID:           "scheduler",
		Name:         "Cron/Interval Scheduler",
		Version:      "1.0.0",
		Description:  "Registers scheduled jobs that emit events on cron or interval ticks",
		Kind:         driver.KindScheduler,
		Capabilities: []string{"plan.schedule"},
		Resources:    driver.ResourceSpec{MemoryMB: 64, Timeout: 30 * time.Second},
	}
}

// Initialize reloads persisted jobs and starts the cron engine.
func (d *SchedulerDriver) Initialize(ctx context.Context, rt driver.Runtime) error {
	d.rt = rt

	docs, err := rt.Store().QueryDocuments(ctx, storage.ContainerSchedules, nil, "")
	if err == nil {
		for _, attrs := range docs {
			if err := d.registerFromAttrs(attrs); err != nil {
				d.logger.Warn().Err(err).Msg("Persisted job reload failed")
			}
		}
	}

	d.cron.Start()
	return nil
}

// Handle implements driver.Driver. Supported actions: create (default)
// and cancel.
func (d *SchedulerDriver) Handle(ctx context.Context, event *types.Event) ([]*types.Event, error) {
	action, _ := event.Data["action"].(string)
	if action == "cancel" {
		jobID, _ := event.Data["job_id"].(string)
		if jobID == "" {
			return nil, fmt.Errorf("schedule cancel: %w: job_id required", types.ErrInvalidInput)
		}
		if err := d.cancel(ctx, event.UserID, jobID); err != nil {
			return nil, err
		}
		return []*types.Event{
			types.NewEvent("plan.schedule.cancelled", map[string]any{"job_id": jobID}).
				WithSource("scheduler").WithUserID(event.UserID),
		}, nil
	}

	name, _ := event.Data["name"].(string)
	if name == "" {
		return nil, fmt.Errorf("schedule: %w: name required", types.ErrInvalidInput)
	}
	cronSpec, _ := event.Data["cron"].(string)
	interval, _ := event.Data["interval"].(string)
	if cronSpec == "" && interval == "" {
		return nil, fmt.Errorf("schedule %s: %w: cron or interval required", name, types.ErrInvalidInput)
	}

	jobID, _ := event.Data["job_id"].(string)
	if jobID == "" {
		jobID = types.NewID()
	}
	userID := event.UserID
	if userID == "" {
		userID = "system"
	}

	spec := cronSpec
	isCron := cronSpec != ""
	if !isCron {
		spec = interval
	}

	payload, _ := event.Data["event"].(map[string]any)

	job := &scheduledJob{
		id:      jobID,
		userID:  userID,
		name:    name,
		spec:    spec,
		isCron:  isCron,
		payload: payload,
	}
	if err := d.register(job); err != nil {
		return nil, err
	}

	// Persist job state keyed (pk=user_id, id=job_id).
	attrs := map[string]any{
		"id":      jobID,
		"user_id": userID,
		"name":    name,
		"run_at":  time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		attrs["event_json"] = string(types.CanonicalJSON(payload))
	}
	if isCron {
		attrs["cron"] = spec
	} else {
		attrs["interval"] = spec
	}
	if err := d.rt.Store().CreateDocument(ctx, storage.ContainerSchedules, jobID, userID, attrs); err != nil {
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Schedule persistence failed")
	}

	return []*types.Event{
		types.NewEvent("plan.schedule.created", map[string]any{
			"job_id": jobID,
			"name":   name,
		}).WithSource("scheduler").WithUserID(userID),
	}, nil
}

func (d *SchedulerDriver) registerFromAttrs(attrs map[string]any) error {
	userID, _ := attrs["user_id"].(string)
	name, _ := attrs["name"].(string)
	cronSpec, _ := attrs["cron"].(string)
	interval, _ := attrs["interval"].(string)
	jobID, _ := attrs["id"].(string)
	if jobID == "" {
		jobID = types.NewID()
	}
	var payload map[string]any
	if raw, ok := attrs["event_json"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &payload)
	}
	spec := cronSpec
	isCron := cronSpec != ""
	if !isCron {
		spec = interval
	}
	if name == "" || spec == "" {
		return fmt.Errorf("persisted job %s: %w: incomplete", jobID, types.ErrInvalidInput)
	}
	return d.register(&scheduledJob{
		id: jobID, userID: userID, name: name, spec: spec, isCron: isCron, payload: payload,
	})
}

func (d *SchedulerDriver) register(job *scheduledJob) error {
	tick := func() { d.fire(job) }

	if job.isCron {
		id, err := d.cron.AddFunc(job.spec, tick)
		if err != nil {
			return fmt.Errorf("schedule %s: %w: bad cron %q: %v", job.name, types.ErrInvalidInput, job.spec, err)
		}
		job.cronID = id
	} else {
		dur, err := ParseISODuration(job.spec)
		if err != nil {
			return fmt.Errorf("schedule %s: %w: bad interval %q: %v", job.name, types.ErrInvalidInput, job.spec, err)
		}
		job.interval = dur
		job.stopCh = make(chan struct{})
		go func() {
			ticker := time.NewTicker(dur)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					tick()
				case <-job.stopCh:
					return
				}
			}
		}()
	}

	d.mu.Lock()
	d.jobs[job.id] = job
	d.mu.Unlock()

	d.logger.Info().
		Str("job_id", job.id).
		Str("name", job.name).
		Str("spec", job.spec).
		Bool("cron", job.isCron).
		Msg("Scheduled job registered")
	return nil
}

func (d *SchedulerDriver) fire(job *scheduledJob) {
	data := map[string]any{
		"job_id":   job.id,
		"job_name": job.name,
	}
	for k, v := range job.payload {
		data[k] = v
	}
	event := types.NewEvent("event."+job.name, data).
		WithSource("scheduler").WithUserID(job.userID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.rt.Emit(ctx, event); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.id).Msg("Scheduled tick emit failed")
	}
}

func (d *SchedulerDriver) cancel(ctx context.Context, userID, jobID string) error {
	d.mu.Lock()
	job, ok := d.jobs[jobID]
	if ok {
		delete(d.jobs, jobID)
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
	}

	if job.isCron {
		d.cron.Remove(job.cronID)
	} else {
		close(job.stopCh)
	}
	if userID == "" {
		userID = job.userID
	}
	return d.rt.Store().DeleteDocument(ctx, storage.ContainerSchedules, jobID, userID)
}

// Shutdown stops the cron engine and all interval tickers.
func (d *SchedulerDriver) Shutdown(ctx context.Context) error {
	stopCtx := d.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, job := range d.jobs {
		if !job.isCron && job.stopCh != nil {
			close(job.stopCh)
			job.stopCh = nil
		}
	}
	return nil
}

// Jobs returns a snapshot of registered job ids.
func (d *SchedulerDriver) Jobs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.jobs))
	for id := range d.jobs {
		out = append(out, id)
	}
	return out
}

// ParseISODuration parses the subset of ISO-8601 durations the
// scheduler accepts: PnDTnHnMnS with any component optional, e.g.
// "PT5M", "PT1H30M", "P1D".
func ParseISODuration(s string) (time.Duration, error) {
	orig := s
	if len(s) < 2 || (s[0] != 'P' && s[0] != 'p') {
		return 0, fmt.Errorf("not an ISO-8601 duration: %q", orig)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		case r == 'T' || r == 't':
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("malformed duration: %q", orig)
			}
			value, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("malformed duration: %q", orig)
			}
			num = ""
			switch strings.ToUpper(string(r)) {
			case "D":
				total += time.Duration(value * float64(24*time.Hour))
			case "H":
				total += time.Duration(value * float64(time.Hour))
			case "M":
				if inTime {
					total += time.Duration(value * float64(time.Minute))
				} else {
					// Months are not supported; reject rather than guess.
					return 0, fmt.Errorf("month component unsupported: %q", orig)
				}
			case "S":
				total += time.Duration(value * float64(time.Second))
			default:
				return 0, fmt.Errorf("unknown duration component %q: %q", string(r), orig)
			}
		}
	}
	if num != "" || total <= 0 {
		return 0, fmt.Errorf("malformed duration: %q", orig)
	}
	return total, nil
}
