package layers

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// Summary writes a table of layers, output shapes and parameter counts
func (s *Sequential) Summary(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Layer (type)", "Output Shape", "Param #", "Trainable"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, info := range s.Layers {
		table.Append([]string{
			fmt.Sprintf("%s (%s)", info.Name, info.Type),
			FormatShape(info.OutputShape),
			humanize.Comma(info.ParameterCount),
			strconv.FormatBool(info.Trainable),
		})
	}
	table.Render()

	fmt.Fprintf(w, "Total params: %s\n", humanize.Comma(s.TotalParameters))
	fmt.Fprintf(w, "Trainable params: %s\n", humanize.Comma(s.TrainableParameters))
	fmt.Fprintf(w, "Non-trainable params: %s\n", humanize.Comma(s.TotalParameters-s.TrainableParameters))
}

// FormatShape renders a per-sample shape with a leading batch placeholder,
// e.g. (None, 7, 7, 1024)
func FormatShape(shape []int) string {
	parts := make([]string, 0, len(shape)+1)
	parts = append(parts, "None")
	for _, d := range shape {
		parts = append(parts, strconv.Itoa(d))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
