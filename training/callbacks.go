package training

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"
)

// Monitored quantities
const (
	MonitorLoss        = "loss"
	MonitorAccuracy    = "accuracy"
	MonitorValLoss     = "val_loss"
	MonitorValAccuracy = "val_accuracy"
)

// Monitor modes
const (
	ModeMax = "max"
	ModeMin = "min"
)

// EpochLogs are the metrics of one finished epoch. Epoch counts from 1.
type EpochLogs struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

// Get returns a monitored quantity by name
func (l EpochLogs) Get(monitor string) (float64, error) {
	switch monitor {
	case MonitorLoss:
		return l.Loss, nil
	case MonitorAccuracy:
		return l.Accuracy, nil
	case MonitorValLoss:
		return l.ValLoss, nil
	case MonitorValAccuracy:
		return l.ValAccuracy, nil
	default:
		return 0, fmt.Errorf("unknown monitor %q", monitor)
	}
}

// Metrics returns the logs as a map for progress display
func (l EpochLogs) Metrics() map[string]float64 {
	return map[string]float64{
		MonitorLoss:        l.Loss,
		MonitorAccuracy:    l.Accuracy,
		MonitorValLoss:     l.ValLoss,
		MonitorValAccuracy: l.ValAccuracy,
	}
}

// History records the logs of every epoch in order
type History struct {
	Epochs []EpochLogs
}

// Append records one epoch
func (h *History) Append(l EpochLogs) {
	h.Epochs = append(h.Epochs, l)
}

// Len returns the number of recorded epochs
func (h *History) Len() int {
	return len(h.Epochs)
}

// Series returns one monitored quantity per epoch
func (h *History) Series(monitor string) ([]float64, error) {
	out := make([]float64, len(h.Epochs))
	for i, l := range h.Epochs {
		v, err := l.Get(monitor)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Best returns the best value of monitor and the epoch it was reached
func (h *History) Best(monitor, mode string) (float64, int, error) {
	series, err := h.Series(monitor)
	if err != nil {
		return 0, 0, err
	}
	var best float64
	if mode == ModeMin {
		best, err = stats.Min(series)
	} else {
		best, err = stats.Max(series)
	}
	if err != nil {
		return 0, 0, err
	}
	for i, v := range series {
		if v == best {
			return best, h.Epochs[i].Epoch, nil
		}
	}
	return best, 0, nil
}

// Last returns the logs of the last epoch
func (h *History) Last() (EpochLogs, bool) {
	if len(h.Epochs) == 0 {
		return EpochLogs{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Callback observes the end of each epoch and may ask training to stop
type Callback interface {
	OnEpochEnd(logs EpochLogs) (stop bool, err error)
}

// tracker keeps the best value of one monitored quantity
type tracker struct {
	monitor string
	mode    string
	best    float64
}

func newTracker(monitor, mode string) (tracker, error) {
	if _, err := (EpochLogs{}).Get(monitor); err != nil {
		return tracker{}, err
	}
	t := tracker{monitor: monitor, mode: mode}
	switch mode {
	case ModeMax:
		t.best = math.Inf(-1)
	case ModeMin:
		t.best = math.Inf(1)
	default:
		return tracker{}, fmt.Errorf("unknown mode %q", mode)
	}
	return t, nil
}

// improve records logs and reports whether they beat the best so far
func (t *tracker) improve(logs EpochLogs) (float64, bool) {
	v, _ := logs.Get(t.monitor)
	better := v > t.best
	if t.mode == ModeMin {
		better = v < t.best
	}
	if better {
		t.best = v
	}
	return v, better
}

// EarlyStopping stops training once the monitored quantity has not
// improved for patience consecutive epochs. Patience 0 stops at the first
// epoch without improvement.
type EarlyStopping struct {
	tracker
	patience int
	wait     int
	logger   *zap.Logger

	StoppedEpoch int
}

// NewEarlyStopping monitors monitor in mode max or min
func NewEarlyStopping(monitor, mode string, patience int, logger *zap.Logger) (*EarlyStopping, error) {
	t, err := newTracker(monitor, mode)
	if err != nil {
		return nil, err
	}
	if patience < 0 {
		return nil, fmt.Errorf("patience must not be negative, got %d", patience)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EarlyStopping{tracker: t, patience: patience, logger: logger}, nil
}

// OnEpochEnd implements Callback
func (es *EarlyStopping) OnEpochEnd(logs EpochLogs) (bool, error) {
	if _, ok := es.improve(logs); ok {
		es.wait = 0
		return false, nil
	}
	es.wait++
	if es.wait < es.patience {
		return false, nil
	}
	es.StoppedEpoch = logs.Epoch
	es.logger.Info("Early stopping",
		zap.Int("epoch", logs.Epoch),
		zap.String("monitor", es.monitor),
		zap.Float64("best", es.best),
		zap.Int("patience", es.patience))
	return true, nil
}

// SaveFunc persists the current weights together with the logs that
// justified saving them.
type SaveFunc func(logs EpochLogs) error

// ModelCheckpoint saves the model whenever the monitored quantity improves
type ModelCheckpoint struct {
	tracker
	save   SaveFunc
	logger *zap.Logger

	BestEpoch int
	Saves     int
}

// NewModelCheckpoint saves through save whenever monitor improves. Mode
// max is expected for accuracy-like quantities; min on one of those is
// accepted but logged as a warning.
func NewModelCheckpoint(monitor, mode string, save SaveFunc, logger *zap.Logger) (*ModelCheckpoint, error) {
	t, err := newTracker(monitor, mode)
	if err != nil {
		return nil, err
	}
	if save == nil {
		return nil, fmt.Errorf("checkpoint needs a save function")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == ModeMin && (monitor == MonitorAccuracy || monitor == MonitorValAccuracy) {
		logger.Warn("Checkpoint keeps the lowest accuracy",
			zap.String("monitor", monitor),
			zap.String("mode", mode))
	}
	return &ModelCheckpoint{tracker: t, save: save, logger: logger}, nil
}

// OnEpochEnd implements Callback
func (mc *ModelCheckpoint) OnEpochEnd(logs EpochLogs) (bool, error) {
	v, ok := mc.improve(logs)
	if !ok {
		mc.logger.Debug("Checkpoint not improved",
			zap.Int("epoch", logs.Epoch),
			zap.String("monitor", mc.monitor),
			zap.Float64("value", v),
			zap.Float64("best", mc.best))
		return false, nil
	}
	if err := mc.save(logs); err != nil {
		return false, err
	}
	mc.BestEpoch = logs.Epoch
	mc.Saves++
	mc.logger.Info("Saved checkpoint",
		zap.Int("epoch", logs.Epoch),
		zap.String("monitor", mc.monitor),
		zap.Float64("value", v))
	return false, nil
}
