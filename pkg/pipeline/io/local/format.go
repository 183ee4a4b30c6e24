package local

import (
	"path/filepath"
	"strings"

	"github.com/shpitdev/tablemorph/pkg/pipeline/core"
)

// Format is a supported input file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Detect picks the input format from a file name's extension.
func Detect(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(name))) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", core.Errorf(core.CodeUnsupportedInputFormat, "unsupported file %q (expected .csv or .xlsx)", name)
	}
}
