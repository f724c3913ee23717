// Package pdfinfo reads structural facts from PDF files.
package pdfinfo

import (
	"fmt"
	"os"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Info summarises a PDF file
type Info struct {
	Pages int
	Size  int64
}

// Inspect reads the page count and file size of the PDF at path.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	st, err := f.Stat()
	if err != nil {
		return Info{}, err
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	pages, err := api.PageCount(f, conf)
	if err != nil {
		return Info{}, fmt.Errorf("pdfcpu page count: %w", err)
	}

	return Info{Pages: pages, Size: st.Size()}, nil
}
