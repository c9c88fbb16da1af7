package training

import (
	"fmt"
	"io"

	"github.com/wcharczuk/go-chart"
)

// PlotLearningCurve renders training and validation accuracy per epoch as
// a PNG. Epochs are numbered from 0 on the x axis.
func PlotLearningCurve(w io.Writer, h *History) error {
	if h == nil || h.Len() == 0 {
		return fmt.Errorf("no epochs to plot")
	}
	epochs := make([]float64, h.Len())
	for i := range epochs {
		epochs[i] = float64(i)
	}
	valAcc, err := h.Series(MonitorValAccuracy)
	if err != nil {
		return err
	}
	acc, err := h.Series(MonitorAccuracy)
	if err != nil {
		return err
	}

	xMax := float64(h.Len() - 1)
	if xMax < 1 {
		xMax = 1
	}
	graph := chart.Chart{
		Title:      "Learning Curve",
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "Epochs",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: xMax},
		},
		YAxis: chart.YAxis{
			Name:      "Accuracy",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				Name:    "validation",
				XValues: epochs,
				YValues: valAcc,
				Style: chart.Style{
					Show:        true,
					StrokeColor: chart.GetAlternateColor(0),
				},
			},
			chart.ContinuousSeries{
				Name:    "training",
				XValues: epochs,
				YValues: acc,
				Style: chart.Style{
					Show:        true,
					StrokeColor: chart.GetAlternateColor(1),
				},
			},
		},
	}
	graph.Elements = []chart.Renderable{
		chart.Legend(&graph),
	}
	return graph.Render(chart.PNG, w)
}
