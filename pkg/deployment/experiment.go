package deployment

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudbench/cloudbench/pkg/operation"
	"github.com/go-playground/validator/v10"
)

// Argument keys of a run-load record.
const (
	ArgWorkload  = "workload"
	ArgDuration  = "duration"
	ArgUseTraces = "use_traces"
	ArgNode      = "node"

	// anomalyMarker selects the arguments holding anomaly hooks.
	anomalyMarker = "anomaly"
)

var durationPattern = regexp.MustCompile(`^(\d+|\d+[mhd])$`)

// Experiment describes a load run against a deployment.
type Experiment struct {
	// Workload is the rally task body.
	Workload string `json:"workload" validate:"required"`

	// Duration is empty (each anomaly once), an iteration count, or a
	// wall-clock budget such as "30m", "2h" or "1d".
	Duration string `json:"duration" validate:"omitempty,load_duration"`

	UseTraces bool `json:"use_traces"`

	// Anomalies maps hook names to hook sources. Names contain "anomaly".
	Anomalies map[string]string `json:"anomalies,omitempty" validate:"dive,keys,contains=anomaly,endkeys,required"`
}

// ExperimentFromArguments decodes the arguments of a run-load record.
func ExperimentFromArguments(args operation.Arguments) Experiment {
	e := Experiment{
		Workload:  args[ArgWorkload],
		Duration:  args[ArgDuration],
		UseTraces: args[ArgUseTraces] == "on",
	}
	for k, v := range args {
		if strings.Contains(k, anomalyMarker) {
			if e.Anomalies == nil {
				e.Anomalies = make(map[string]string)
			}
			e.Anomalies[k] = v
		}
	}
	return e
}

// Arguments encodes e as record arguments.
func (e Experiment) Arguments() operation.Arguments {
	args := operation.Arguments{
		ArgWorkload: e.Workload,
		ArgDuration: e.Duration,
	}
	if e.UseTraces {
		args[ArgUseTraces] = "on"
	}
	for k, v := range e.Anomalies {
		args[k] = v
	}
	return args
}

// Hooks returns the anomaly hook sources ordered by name.
func (e Experiment) Hooks() []string {
	names := make([]string, 0, len(e.Anomalies))
	for k := range e.Anomalies {
		names = append(names, k)
	}
	sort.Strings(names)

	hooks := make([]string, 0, len(names))
	for _, k := range names {
		hooks = append(hooks, e.Anomalies[k])
	}
	return hooks
}

// RunMode is how an experiment bounds its loads.
type RunMode int

const (
	// EachAnomalyOnce runs one load per hook.
	EachAnomalyOnce RunMode = iota
	// ByIterations runs a fixed number of loads.
	ByIterations
	// ByTime runs loads until a wall-clock budget is spent.
	ByTime
)

// Mode parses Duration. It returns the iteration count for ByIterations and
// the budget for ByTime.
func (e Experiment) Mode() (RunMode, int, time.Duration, error) {
	d := e.Duration
	if d == "" {
		return EachAnomalyOnce, 0, 0, nil
	}
	if !durationPattern.MatchString(d) {
		return 0, 0, 0, fmt.Errorf("invalid duration %q", d)
	}
	if n, err := strconv.Atoi(d); err == nil {
		return ByIterations, n, 0, nil
	}

	n, err := strconv.Atoi(d[:len(d)-1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid duration %q: %w", d, err)
	}
	unit := map[byte]time.Duration{'m': time.Minute, 'h': time.Hour, 'd': 24 * time.Hour}[d[len(d)-1]]
	return ByTime, 0, time.Duration(n) * unit, nil
}

func validateLoadDuration(fl validator.FieldLevel) bool {
	return durationPattern.MatchString(fl.Field().String())
}
