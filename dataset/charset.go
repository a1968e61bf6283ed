package dataset

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

func isUTF8(charset string) bool {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}

type decodedFile struct {
	io.Reader
	file *os.File
}

func (d *decodedFile) Close() error { return d.file.Close() }

// open returns the file at path as UTF-8, transcoding from the loader's charset.
func (l *Loader) open(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if isUTF8(l.charset) {
		return file, nil
	}
	enc, err := htmlindex.Get(l.charset)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("unknown charset %q: %w", l.charset, err)
	}
	return &decodedFile{Reader: transform.NewReader(file, enc.NewDecoder()), file: file}, nil
}
