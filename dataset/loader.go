// Package dataset reads the training, testing and prediction CSVs and writes
// the classified output file.
package dataset

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

var (
	ErrMissingLabel   = errors.New("label column not found")
	ErrMissingFeature = errors.New("feature column not found")
	ErrNoFeatures     = errors.New("no features selected")
	ErrNonNumeric     = errors.New("non-numeric value")
)

// Grouping holds the points of a dataset keyed by class. Classes keeps the
// order in which each class first appeared in the training file.
type Grouping struct {
	Classes []string
	Points  map[string][][]float64
}

// Len returns the total number of points across classes.
func (g Grouping) Len() int {
	n := 0
	for _, points := range g.Points {
		n += len(points)
	}
	return n
}

type Loader struct {
	charset string
}

// NewLoader returns a loader that decodes input files from charset.
// An empty charset means UTF-8.
func NewLoader(charset string) *Loader {
	return &Loader{charset: charset}
}

// LoadDataset reads the training and testing files and groups the selected
// feature columns by the value of the label column. The first column of each
// file is a row index and is dropped. The test grouping uses the classes seen
// in training; a class absent from the test file maps to an empty matrix.
func (l *Loader) LoadDataset(trainPath, testPath string, features []string, label string) (train, test Grouping, err error) {
	if len(features) == 0 {
		return Grouping{}, Grouping{}, ErrNoFeatures
	}

	dfTrain, err := l.readIndexed(trainPath, label)
	if err != nil {
		return Grouping{}, Grouping{}, fmt.Errorf("training set: %w", err)
	}
	dfTest, err := l.readIndexed(testPath, label)
	if err != nil {
		return Grouping{}, Grouping{}, fmt.Errorf("testing set: %w", err)
	}
	for _, df := range []dataframe.DataFrame{dfTrain, dfTest} {
		if err := requireColumns(df, label, features); err != nil {
			return Grouping{}, Grouping{}, err
		}
	}
	if err := requireNumeric(dfTrain, features); err != nil {
		return Grouping{}, Grouping{}, fmt.Errorf("training set %s: %w", trainPath, err)
	}
	if err := requireNumeric(dfTest, features); err != nil {
		return Grouping{}, Grouping{}, fmt.Errorf("testing set %s: %w", testPath, err)
	}

	classes := uniqueInOrder(dfTrain.Col(label).Records())
	train = Grouping{Classes: classes, Points: make(map[string][][]float64, len(classes))}
	test = Grouping{Classes: classes, Points: make(map[string][][]float64, len(classes))}
	for _, class := range classes {
		train.Points[class] = pointsFor(dfTrain, label, class, features)
		test.Points[class] = pointsFor(dfTest, label, class, features)
	}
	return train, test, nil
}

func (l *Loader) readIndexed(path, label string) (dataframe.DataFrame, error) {
	f, err := l.open(path)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float),
		dataframe.WithTypes(map[string]series.Type{label: series.String}),
	)
	if df.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("read %s: %w", path, df.Err)
	}
	if df.Ncol() < 2 {
		return dataframe.DataFrame{}, fmt.Errorf("read %s: expected an index column and data columns", path)
	}
	df = df.Drop(0)
	if df.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("drop index column of %s: %w", path, df.Err)
	}
	return df, nil
}

func requireColumns(df dataframe.DataFrame, label string, features []string) error {
	names := make(map[string]bool, df.Ncol())
	for _, name := range df.Names() {
		names[name] = true
	}
	if !names[label] {
		return fmt.Errorf("%w: %q", ErrMissingLabel, label)
	}
	for _, feature := range features {
		if !names[feature] {
			return fmt.Errorf("%w: %q", ErrMissingFeature, feature)
		}
	}
	return nil
}

// requireNumeric reports the first blank or unparsable cell among the
// selected feature columns. Rows are counted from 1 after the header.
func requireNumeric(df dataframe.DataFrame, features []string) error {
	for _, feature := range features {
		for i, v := range df.Col(feature).Float() {
			if math.IsNaN(v) {
				return fmt.Errorf("%w at row %d column %q", ErrNonNumeric, i+1, feature)
			}
		}
	}
	return nil
}

func pointsFor(df dataframe.DataFrame, label, class string, features []string) [][]float64 {
	subset := df.Filter(dataframe.F{
		Colname:    label,
		Comparator: series.Eq,
		Comparando: class,
	})
	if subset.Err != nil || subset.Nrow() == 0 {
		return [][]float64{}
	}
	subset = subset.Select(features)

	columns := make([][]float64, len(features))
	for j, feature := range features {
		columns[j] = subset.Col(feature).Float()
	}
	points := make([][]float64, subset.Nrow())
	for i := range points {
		row := make([]float64, len(features))
		for j := range features {
			row[j] = columns[j][i]
		}
		points[i] = row
	}
	return points
}

func uniqueInOrder(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0)
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// LoadPrediction reads a header-less CSV of feature rows.
func (l *Loader) LoadPrediction(path string) ([][]float64, error) {
	df, err := l.readPlain(path)
	if err != nil {
		return nil, err
	}

	columns := make([][]float64, df.Ncol())
	for j := range columns {
		columns[j] = df.Col(df.Names()[j]).Float()
	}
	rows := make([][]float64, df.Nrow())
	for i := range rows {
		row := make([]float64, df.Ncol())
		for j := range columns {
			v := columns[j][i]
			if math.IsNaN(v) {
				return nil, fmt.Errorf("read %s: %w at row %d column %d", path, ErrNonNumeric, i+1, j+1)
			}
			row[j] = v
		}
		rows[i] = row
	}
	return rows, nil
}

// NumberOfColumns returns the column count of a header-less CSV.
func (l *Loader) NumberOfColumns(path string) (int, error) {
	df, err := l.readPlain(path)
	if err != nil {
		return 0, err
	}
	return df.Ncol(), nil
}

func (l *Loader) readPlain(path string) (dataframe.DataFrame, error) {
	f, err := l.open(path)
	if err != nil {
		return dataframe.DataFrame{}, err
	}
	defer f.Close()

	df := dataframe.ReadCSV(f,
		dataframe.HasHeader(false),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float),
	)
	if df.Err != nil {
		return dataframe.DataFrame{}, fmt.Errorf("read %s: %w", path, df.Err)
	}
	return df, nil
}
