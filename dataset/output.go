package dataset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// PreprocessedPredictionName is the feature-engineered prediction file an
	// earlier pipeline stage may leave next to the user's upload.
	PreprocessedPredictionName = "doPredictionFE.csv"
	ClassifiedFileName         = "classifiedFile.csv"
)

var ErrLabelCountMismatch = errors.New("fewer predicted labels than prediction rows")

// ResolvePredictionInput returns the preprocessed prediction file when one
// exists beside userPath, otherwise userPath itself.
func ResolvePredictionInput(userPath string) string {
	candidate := filepath.Join(filepath.Dir(userPath), PreprocessedPredictionName)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return userPath
}

// ClassifiedPath is where WriteClassified puts its output for userPath.
func ClassifiedPath(userPath string) string {
	return filepath.Join(filepath.Dir(userPath), ClassifiedFileName)
}

// ReadRows returns the non-blank lines of path, decoded to UTF-8.
func (l *Loader) ReadRows(path string) ([]string, error) {
	f, err := l.open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []string
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) != "" {
			rows = append(rows, line)
		}
		if err != nil {
			break
		}
	}
	return rows, nil
}

// WriteClassified pairs every row of the user's prediction file with its
// predicted label and writes the result to ClassifiedPath(userPath).
// Rows are copied verbatim; the header is feature1..featureN followed by label.
func (l *Loader) WriteClassified(userPath string, labels []string) (string, error) {
	rows, err := l.ReadRows(userPath)
	if err != nil {
		return "", err
	}
	if len(labels) < len(rows) {
		return "", fmt.Errorf("%w: %d labels for %d rows", ErrLabelCountMismatch, len(labels), len(rows))
	}
	ncol, err := l.NumberOfColumns(userPath)
	if err != nil {
		return "", err
	}

	outPath := ClassifiedPath(userPath)
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", outPath, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	for j := 1; j <= ncol; j++ {
		w.WriteString("feature" + strconv.Itoa(j) + ",")
	}
	w.WriteString("label\n")
	for i, row := range rows {
		w.WriteString(row + "," + labels[i] + "\n")
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("write %s: %w", outPath, err)
	}
	return outPath, out.Close()
}
