package commandline

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/towers/pkg/ml/train"
	"github.com/gomlx/towers/pkg/ml/train/metrics"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// progressBar holds a progressbar being displayed.
type progressBar struct {
	numSteps         int64
	lastStepReported int64
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn

	// trainMetrics are updated at every step, and displayed at each update.
	trainMetrics []metrics.Interface
}

// MovingAverageWeight is the weight of each new step in the moving averages displayed by the progress bar.
var MovingAverageWeight = 0.05

// newTrainMetrics returns the running metrics displayed by the progress bar.
func newTrainMetrics(k int) []metrics.Interface {
	precision := func(value float64) string { return fmt.Sprintf("%.2f%%", 100*value) }
	return []metrics.Interface{
		metrics.NewLastValueMetric("Batch loss", "loss", "loss", metrics.LossKey, nil),
		metrics.NewMovingAverageLoss("Moving average loss", "~loss", MovingAverageWeight),
		metrics.NewLastValueMetric(fmt.Sprintf("Batch top-%d", k), "top_k", "precision", metrics.TopKKey, precision),
		metrics.NewMovingAverageTopK(fmt.Sprintf("Moving average top-%d", k), "~top_k", MovingAverageWeight),
	}
}

// stepValue returns the value of the step for the given metrics key, or NaN if the step didn't report it.
func stepValue(key string, result *train.StepResult) float64 {
	switch key {
	case metrics.LossKey:
		return result.Aggregated.Loss
	case metrics.TopKKey:
		return result.Aggregated.TopK
	}
	return math.NaN()
}

// updateMetrics is called at every step.
func (pBar *progressBar) updateMetrics(_ *train.Loop, result *train.StepResult) error {
	for _, metric := range pBar.trainMetrics {
		value := stepValue(metric.Key(), result)
		if math.IsNaN(value) {
			continue
		}
		metric.Update(value, float64(result.Aggregated.Examples))
	}
	return nil
}

// metricsRows returns the rows of the stats table for the running metrics seen so far.
func (pBar *progressBar) metricsRows() (rows [][2]string) {
	for _, metric := range pBar.trainMetrics {
		value := metric.Read()
		if math.IsNaN(value) {
			continue
		}
		rows = append(rows, [2]string{metric.Name(), metric.PrettyPrint(value)})
	}
	return
}

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.StartStep
	pBar.numSteps = max(loop.EndStep-loop.StartStep, 1)
	pBar.bar = progressbar.NewOptions64(pBar.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.isFirstOutput = true
	for _, metric := range pBar.trainMetrics {
		metric.Reset()
	}
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, result *train.StepResult) error {
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := result.Step + 1 - pBar.lastStepReported // +1 because the current step is finished.
	if amount <= 0 {
		return nil
	}
	agg := result.Aggregated
	update := progressBarUpdate{amount: amount}
	update.rows = append(update.rows,
		[2]string{"Global Step", fmt.Sprintf("%s of %s",
			humanize.Comma(result.Updated.GlobalStep), humanize.Comma(loop.EndStep))},
		[2]string{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())})
	update.rows = append(update.rows, pBar.metricsRows()...)
	update.rows = append(update.rows,
		[2]string{"Learning rate", fmt.Sprintf("%.3g", result.Updated.LearningRate)},
		[2]string{"Slowest replica", fmt.Sprintf("%s (%s)", agg.Straggler, FormatDuration(agg.StragglerDuration))})
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update
	pBar.lastStepReported = result.Step + 1
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ *train.StepResult) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}

// drawUpdates asynchronously draws the updates: this is handy if the training is faster than the terminal,
// in particular if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	var numLinesPrinted int
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(numLinesPrinted)
		}
		pBar.isFirstOutput = false
		numLinesPrinted = len(update.rows) + 2 + 2

		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add64(amount) // Prints progress bar line.
		fmt.Println()
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

const ProgressBarName = "towers.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int64
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and the aggregated
// metrics: loss and top-k accuracy (of the last step, and their moving averages), the median step duration,
// the learning rate and the slowest replica.
//
// The associated data will be attached to the train.Loop, so nothing is returned.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		trainMetrics:   newTrainMetrics(loop.Config().TopK),
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Metrics are updated at every step, before the display hooks.
	loop.OnStep(ProgressBarName+".metrics", -1, pBar.updateMetrics)
	// Update at most 1000 times during the loop, or every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
