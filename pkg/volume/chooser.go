package volume

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"dicomsurface/internal/models"
)

// SeriesChooser asks someone to pick a series from the descriptor table.
// The raw answer is returned unparsed.
type SeriesChooser interface {
	Choose(descs []models.SeriesDescriptor) (string, error)
}

// StaticChooser always answers with the same text, e.g. a -series flag
type StaticChooser string

// Choose returns the fixed answer
func (c StaticChooser) Choose([]models.SeriesDescriptor) (string, error) {
	return string(c), nil
}

// PromptChooser prints the table to Out and reads one line from In
type PromptChooser struct {
	In  io.Reader
	Out io.Writer
}

// Choose prints the series table and waits for a line of input
func (c *PromptChooser) Choose(descs []models.SeriesDescriptor) (string, error) {
	fmt.Fprintf(c.Out, "Found %d series in the study. Choose one:\n", len(descs))
	fmt.Fprintln(c.Out, "№ | description | modality | rows x cols | slices")
	for _, d := range descs {
		fmt.Fprintf(c.Out, "%d | %s | %s | %dx%d | %d\n",
			d.Index, d.Description, d.Modality, d.Rows, d.Columns, d.Slices)
	}

	line, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading selection: %w", err)
	}
	return line, nil
}
