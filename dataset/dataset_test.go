package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const trainCSV = `,f1,f2,f3,labels
0,0.1,0.2,0.3,0
1,0.4,0.5,0.6,1
2,0.7,0.8,0.9,0
3,1.0,1.1,1.2,2
`

const testCSV = `,f1,f2,f3,labels
0,0.15,0.25,0.35,1
1,0.45,0.55,0.65,0
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDatasetGroupsByLabel(t *testing.T) {
	dir := t.TempDir()
	trainPath := writeFile(t, dir, "train.csv", trainCSV)
	testPath := writeFile(t, dir, "test.csv", testCSV)

	train, test, err := NewLoader("").LoadDataset(trainPath, testPath, []string{"f1", "f3"}, "labels")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := strings.Join(train.Classes, ","); got != "0,1,2" {
		t.Fatalf("unexpected class order: %s", got)
	}
	zero := train.Points["0"]
	if len(zero) != 2 {
		t.Fatalf("expected 2 training points for class 0, got %d", len(zero))
	}
	if zero[1][0] != 0.7 || zero[1][1] != 0.9 {
		t.Fatalf("unexpected point: %v", zero[1])
	}
	if train.Len() != 4 {
		t.Fatalf("expected 4 training points, got %d", train.Len())
	}

	if len(test.Points["1"]) != 1 || len(test.Points["0"]) != 1 {
		t.Fatalf("unexpected test grouping: %v", test.Points)
	}
	if pts, ok := test.Points["2"]; !ok || len(pts) != 0 {
		t.Fatalf("expected empty matrix for class missing from test set, got %v", pts)
	}
}

func TestLoadDatasetMissingLabel(t *testing.T) {
	dir := t.TempDir()
	trainPath := writeFile(t, dir, "train.csv", ",f1,f2\n0,1,2\n")
	testPath := writeFile(t, dir, "test.csv", testCSV)

	_, _, err := NewLoader("").LoadDataset(trainPath, testPath, []string{"f1"}, "labels")
	if !errors.Is(err, ErrMissingLabel) {
		t.Fatalf("expected ErrMissingLabel, got %v", err)
	}
}

func TestLoadDatasetMissingFeature(t *testing.T) {
	dir := t.TempDir()
	trainPath := writeFile(t, dir, "train.csv", trainCSV)
	testPath := writeFile(t, dir, "test.csv", testCSV)

	_, _, err := NewLoader("").LoadDataset(trainPath, testPath, []string{"f9"}, "labels")
	if !errors.Is(err, ErrMissingFeature) {
		t.Fatalf("expected ErrMissingFeature, got %v", err)
	}
}

func TestLoadDatasetNoFeatures(t *testing.T) {
	if _, _, err := NewLoader("").LoadDataset("a", "b", nil, "labels"); !errors.Is(err, ErrNoFeatures) {
		t.Fatalf("expected ErrNoFeatures, got %v", err)
	}
}

func TestLoadDatasetRejectsNonNumericFeatures(t *testing.T) {
	dir := t.TempDir()
	trainPath := writeFile(t, dir, "train.csv", ",f1,f2,labels\n0,,0.2,A\n1,0.3,abc,B\n")
	testPath := writeFile(t, dir, "test.csv", ",f1,f2,labels\n0,0.1,0.2,A\n")

	_, _, err := NewLoader("").LoadDataset(trainPath, testPath, []string{"f1", "f2"}, "labels")
	if !errors.Is(err, ErrNonNumeric) {
		t.Fatalf("expected ErrNonNumeric, got %v", err)
	}
	if !strings.Contains(err.Error(), `row 1 column "f1"`) || !strings.Contains(err.Error(), "training set") {
		t.Fatalf("error does not locate the cell: %v", err)
	}

	testPath = writeFile(t, dir, "test.csv", ",f1,f2,labels\n0,0.1,0.2,A\n1,0.3,x,B\n")
	trainPath = writeFile(t, dir, "train.csv", trainCSV)
	_, _, err = NewLoader("").LoadDataset(trainPath, testPath, []string{"f1", "f2"}, "labels")
	if !errors.Is(err, ErrNonNumeric) || !strings.Contains(err.Error(), `testing set`) || !strings.Contains(err.Error(), `row 2 column "f2"`) {
		t.Fatalf("expected testing set ErrNonNumeric at row 2, got %v", err)
	}
}

func TestLoadDatasetIgnoresUnselectedText(t *testing.T) {
	dir := t.TempDir()
	trainPath := writeFile(t, dir, "train.csv", ",f1,note,labels\n0,0.1,hello,A\n1,0.2,,B\n")
	testPath := writeFile(t, dir, "test.csv", ",f1,note,labels\n0,0.3,,A\n")

	train, _, err := NewLoader("").LoadDataset(trainPath, testPath, []string{"f1"}, "labels")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if train.Len() != 2 {
		t.Fatalf("expected 2 training points, got %d", train.Len())
	}
}

func TestLoadPrediction(t *testing.T) {
	path := writeFile(t, t.TempDir(), "predict.csv", "0.1,0.2\n0.3,0.4\n0.5,0.6\n")

	rows, err := NewLoader("").LoadPrediction(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 3 || len(rows[0]) != 2 {
		t.Fatalf("unexpected shape: %v", rows)
	}
	if rows[2][1] != 0.6 {
		t.Fatalf("unexpected value: %v", rows[2][1])
	}
}

func TestLoadPredictionRejectsText(t *testing.T) {
	path := writeFile(t, t.TempDir(), "predict.csv", "0.1,abc\n")
	if _, err := NewLoader("").LoadPrediction(path); !errors.Is(err, ErrNonNumeric) {
		t.Fatalf("expected ErrNonNumeric, got %v", err)
	}
}

func TestLoadPredictionDecodesCharset(t *testing.T) {
	path := writeFile(t, t.TempDir(), "predict.csv", "1.5,2.5\n")
	loader := NewLoader("windows-1252")
	rows, err := loader.LoadPrediction(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0][0] != 1.5 {
		t.Fatalf("unexpected value: %v", rows[0][0])
	}

	// 0xE9 is é in windows-1252
	raw := writeFile(t, t.TempDir(), "rows.csv", "caf\xe9,1\n")
	lines, err := loader.ReadRows(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lines[0] != "café,1" {
		t.Fatalf("expected decoded row, got %q", lines[0])
	}
}

func TestLoaderUnknownCharset(t *testing.T) {
	path := writeFile(t, t.TempDir(), "predict.csv", "1,2\n")
	if _, err := NewLoader("klingon").LoadPrediction(path); err == nil {
		t.Fatal("expected error for unknown charset")
	}
}

func TestResolvePredictionInput(t *testing.T) {
	dir := t.TempDir()
	user := writeFile(t, dir, "upload.csv", "1,2\n")
	if got := ResolvePredictionInput(user); got != user {
		t.Fatalf("expected user file, got %s", got)
	}

	fe := writeFile(t, dir, PreprocessedPredictionName, "1\n")
	if got := ResolvePredictionInput(user); got != fe {
		t.Fatalf("expected preprocessed file, got %s", got)
	}
}

func TestWriteClassified(t *testing.T) {
	dir := t.TempDir()
	user := writeFile(t, dir, "upload.csv", "0.1,0.2,0.3\n0.4,0.5,0.6\n\n")

	out, err := NewLoader("").WriteClassified(user, []string{"A", "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != filepath.Join(dir, ClassifiedFileName) {
		t.Fatalf("unexpected output path: %s", out)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := "feature1,feature2,feature3,label\n0.1,0.2,0.3,A\n0.4,0.5,0.6,B\n"
	if string(data) != want {
		t.Fatalf("unexpected output:\n%s", data)
	}
}

func TestWriteClassifiedLabelMismatch(t *testing.T) {
	user := writeFile(t, t.TempDir(), "upload.csv", "1,2\n3,4\n")
	_, err := NewLoader("").WriteClassified(user, []string{"A"})
	if !errors.Is(err, ErrLabelCountMismatch) {
		t.Fatalf("expected ErrLabelCountMismatch, got %v", err)
	}
}

func TestReadRowsLongLine(t *testing.T) {
	wide := strings.TrimSuffix(strings.Repeat("0.123456,", 600_000), ",")
	path := writeFile(t, t.TempDir(), "wide.csv", wide+"\r\n\n1,2")

	rows, err := NewLoader("").ReadRows(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0] != wide {
		t.Fatalf("wide row altered: got %d bytes, want %d", len(rows[0]), len(wide))
	}
	if rows[1] != "1,2" {
		t.Fatalf("unterminated last row: %q", rows[1])
	}
}
