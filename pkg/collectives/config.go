package collectives

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/collectives/pkg/gpuops"
	"github.com/pkg/errors"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvSize             = "COLLECTIVES_SIZE"
	EnvLocalSize        = "COLLECTIVES_LOCAL_SIZE"
	EnvFusionThreshold  = "COLLECTIVES_FUSION_THRESHOLD"
	EnvCycleTime        = "COLLECTIVES_CYCLE_TIME"
	EnvNumStreams       = "COLLECTIVES_NUM_STREAMS"
	EnvStreamAssignment = "COLLECTIVES_STREAM_ASSIGNMENT"
	EnvDedicatedSlot    = "COLLECTIVES_DEDICATED_SLOT"
	EnvNumAuxStreams    = "COLLECTIVES_NUM_AUX_STREAMS"
	EnvFinalizerThreads = "COLLECTIVES_FINALIZER_THREADS"
	EnvTimeline         = "COLLECTIVES_TIMELINE"
	EnvStallWarning     = "COLLECTIVES_STALL_WARNING"
)

// Config of a World.
type Config struct {
	// Backend configuration, formatted as "<backend_name>:<backend_configuration>", see backends.NewWithConfig.
	// If empty, backends.New is used.
	Backend string

	// Size is the number of ranks, and LocalSize the number of ranks per node (it defaults to Size).
	// Local ranks are spread over the devices of the backend.
	Size, LocalSize int

	// FusionThreshold is the maximum size in bytes of a fused batch, and the minimum size of the fusion
	// buffers. If 0 tensors are not fused.
	FusionThreshold int

	// CycleTime is the period of the background loop of each rank. Enqueuing a request also wakes it up.
	CycleTime time.Duration

	// Device execution: see gpuops.Config.
	NumStreams         int
	StreamAssignment   []int
	DedicatedSlot      int
	NumAuxStreams      int
	FinalizerThreads   int
	FinalizerQueueWarn int

	// Timeline enables recording (and tracing to the log) the timeline of every tensor.
	Timeline bool

	// StallWarningTime after which a warning is logged for tensors requested by some ranks but not the others.
	// If 0 stalls are not checked.
	StallWarningTime time.Duration
}

// DefaultConfig returns the default configuration for one rank.
func DefaultConfig() Config {
	ops := gpuops.DefaultConfig()
	return Config{
		Size:               1,
		FusionThreshold:    ops.FusionThreshold,
		CycleTime:          time.Millisecond,
		NumStreams:         ops.NumStreams,
		StreamAssignment:   ops.StreamAssignment,
		DedicatedSlot:      ops.DedicatedSlot,
		NumAuxStreams:      ops.NumAuxStreams,
		FinalizerThreads:   ops.FinalizerThreads,
		FinalizerQueueWarn: ops.FinalizerQueueWarn,
		StallWarningTime:   60 * time.Second,
	}
}

// ConfigFromEnv returns the default configuration, overridden by the COLLECTIVES_* environment variables.
// The backend is selected with COLLECTIVES_BACKEND, see backends.New.
func ConfigFromEnv() (Config, error) {
	config := DefaultConfig()
	var err error
	parseInt := func(env string, target *int) {
		value, found := os.LookupEnv(env)
		if !found || err != nil {
			return
		}
		var parsed int
		parsed, err = strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			err = errors.Wrapf(err, "parsing $%s=%q", env, value)
			return
		}
		*target = parsed
	}
	parseDuration := func(env string, target *time.Duration) {
		value, found := os.LookupEnv(env)
		if !found || err != nil {
			return
		}
		var parsed time.Duration
		parsed, err = time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			err = errors.Wrapf(err, "parsing $%s=%q", env, value)
			return
		}
		*target = parsed
	}

	parseInt(EnvSize, &config.Size)
	parseInt(EnvLocalSize, &config.LocalSize)
	parseInt(EnvNumStreams, &config.NumStreams)
	parseInt(EnvDedicatedSlot, &config.DedicatedSlot)
	parseInt(EnvNumAuxStreams, &config.NumAuxStreams)
	parseInt(EnvFinalizerThreads, &config.FinalizerThreads)
	parseDuration(EnvCycleTime, &config.CycleTime)
	parseDuration(EnvStallWarning, &config.StallWarningTime)
	if err != nil {
		return config, err
	}
	if value, found := os.LookupEnv(EnvFusionThreshold); found {
		threshold, err := humanize.ParseBytes(strings.TrimSpace(value))
		if err != nil {
			return config, errors.Wrapf(err, "parsing $%s=%q", EnvFusionThreshold, value)
		}
		config.FusionThreshold = int(threshold)
	}
	if value, found := os.LookupEnv(EnvStreamAssignment); found {
		assignment, err := ParseStreamAssignment(value)
		if err != nil {
			return config, errors.WithMessagef(err, "parsing $%s", EnvStreamAssignment)
		}
		config.StreamAssignment = assignment
	}
	if value, found := os.LookupEnv(EnvTimeline); found {
		config.Timeline, err = strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return config, errors.Wrapf(err, "parsing $%s=%q", EnvTimeline, value)
		}
	}
	return config, config.Validate()
}

// ParseStreamAssignment parses a comma-separated list of slots, e.g. "4,5,6,7".
func ParseStreamAssignment(value string) ([]int, error) {
	parts := strings.Split(value, ",")
	assignment := make([]int, 0, len(parts))
	for _, part := range parts {
		slot, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid stream assignment %q", value)
		}
		assignment = append(assignment, slot)
	}
	return assignment, nil
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return errors.Errorf("Size must be > 0, got %d", c.Size)
	}
	if c.LocalSize < 0 || c.LocalSize > c.Size {
		return errors.Errorf("LocalSize must be between 1 and Size=%d (or 0 for Size), got %d", c.Size, c.LocalSize)
	}
	if c.Size%c.localSize() != 0 {
		return errors.Errorf("Size=%d must be a multiple of LocalSize=%d", c.Size, c.LocalSize)
	}
	if c.CycleTime <= 0 {
		return errors.Errorf("CycleTime must be > 0, got %s", c.CycleTime)
	}
	if c.StallWarningTime < 0 {
		return errors.Errorf("StallWarningTime can't be negative, got %s", c.StallWarningTime)
	}
	return c.opsConfig().Validate()
}

// localSize returns LocalSize, or Size if not set.
func (c Config) localSize() int {
	if c.LocalSize == 0 {
		return c.Size
	}
	return c.LocalSize
}

// opsConfig returns the configuration of the device execution.
func (c Config) opsConfig() gpuops.Config {
	return gpuops.Config{
		NumStreams:         c.NumStreams,
		StreamAssignment:   c.StreamAssignment,
		DedicatedSlot:      c.DedicatedSlot,
		NumAuxStreams:      c.NumAuxStreams,
		FusionThreshold:    c.FusionThreshold,
		FinalizerThreads:   c.FinalizerThreads,
		FinalizerQueueWarn: c.FinalizerQueueWarn,
	}
}
