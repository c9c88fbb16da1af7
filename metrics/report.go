package metrics

import (
	"fmt"
	"io"
	"strconv"

	"github.com/gocarina/gocsv"
	"github.com/olekukonko/tablewriter"
)

type matrixRow struct {
	Truth     string `csv:"true"`
	Predicted string `csv:"predicted"`
	Count     int    `csv:"count"`
}

type mappingRow struct {
	Predicted string `csv:"predicted"`
	Truth     string `csv:"true"`
	Path      string `csv:"path"`
}

// WriteMatrixCSV writes the matrix in long form, one row per cell.
func WriteMatrixCSV(w io.Writer, cm *ConfusionMatrix) error {
	rows := make([]*matrixRow, 0, len(cm.Classes)*len(cm.Classes))
	for t, truth := range cm.Classes {
		for p, predicted := range cm.Classes {
			rows = append(rows, &matrixRow{Truth: truth, Predicted: predicted, Count: cm.Matrix[t][p]})
		}
	}
	return gocsv.Marshal(&rows, w)
}

// ReadMatrixCSV reads a matrix written by WriteMatrixCSV. Class order is the
// order of first appearance.
func ReadMatrixCSV(r io.Reader) (*ConfusionMatrix, error) {
	var rows []*matrixRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, err
	}
	index := make(map[string]int)
	var classes []string
	for _, row := range rows {
		for _, name := range []string{row.Truth, row.Predicted} {
			if _, ok := index[name]; !ok {
				index[name] = len(classes)
				classes = append(classes, name)
			}
		}
	}
	cm := &ConfusionMatrix{Classes: classes, Matrix: make([][]int, len(classes))}
	for i := range cm.Matrix {
		cm.Matrix[i] = make([]int, len(classes))
	}
	for _, row := range rows {
		cm.Matrix[index[row.Truth]][index[row.Predicted]] += row.Count
		cm.TotalSamples += row.Count
	}
	return cm, nil
}

// WriteMappingCSV writes one row per path, grouped by pair.
func WriteMappingCSV(w io.Writer, m ConfusionMapping) error {
	rows := make([]*mappingRow, 0, m.Len())
	for _, pair := range m.Pairs() {
		for _, path := range m[pair] {
			rows = append(rows, &mappingRow{Predicted: pair.Predicted, Truth: pair.Truth, Path: path})
		}
	}
	return gocsv.Marshal(&rows, w)
}

// Render draws the matrix as a table with true classes as rows and
// predicted classes as columns, followed by per-class precision and recall.
func (cm *ConfusionMatrix) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	header := append([]string{"true \\ predicted"}, cm.Classes...)
	table.SetHeader(append(header, "recall"))
	for t, truth := range cm.Classes {
		row := []string{truth}
		for _, c := range cm.Matrix[t] {
			row = append(row, strconv.Itoa(c))
		}
		table.Append(append(row, fmt.Sprintf("%.3f", cm.Recall(t))))
	}
	footer := []string{"precision"}
	for p := range cm.Classes {
		footer = append(footer, fmt.Sprintf("%.3f", cm.Precision(p)))
	}
	table.Append(append(footer, fmt.Sprintf("acc %.3f", cm.GetAccuracy())))
	table.Render()
}
