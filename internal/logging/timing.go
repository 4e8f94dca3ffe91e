package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/danielpatrickdp/al-controller/internal/artifact"
)

// Stage names recorded in the timing log.
const (
	StageQuery      = "query"
	StageTraining   = "training"
	StageTrajectory = "trajectory"
	StageClustering = "clustering"
)

// TimingLog is the timing_log.json file: stage -> iteration -> seconds,
// rounded to milliseconds. Every Record rewrites the file atomically.
type TimingLog struct {
	path string
	mu   sync.Mutex
}

// NewTimingLog returns a log backed by path. The file is created on first
// Record.
func NewTimingLog(path string) *TimingLog {
	return &TimingLog{path: path}
}

// Path returns the backing file.
func (l *TimingLog) Path() string { return l.path }

// Record stores elapsed for (stage, iteration), replacing any earlier value.
func (l *TimingLog) Record(stage string, iteration int, elapsed time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.read()
	if err != nil {
		return err
	}
	if all[stage] == nil {
		all[stage] = make(map[string]float64)
	}
	all[stage][strconv.Itoa(iteration)] = math.Round(elapsed.Seconds()*1000) / 1000

	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("encode timing log: %w", err)
	}
	if err := artifact.WriteFileAtomic(l.path, b, 0o644); err != nil {
		return fmt.Errorf("write timing log: %w", err)
	}
	return nil
}

// Load returns the whole log. A missing file is an empty log.
func (l *TimingLog) Load() (map[string]map[string]float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

func (l *TimingLog) read() (map[string]map[string]float64, error) {
	all := make(map[string]map[string]float64)
	b, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read timing log: %w", err)
	}
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, fmt.Errorf("parse timing log: %w", err)
	}
	return all, nil
}
