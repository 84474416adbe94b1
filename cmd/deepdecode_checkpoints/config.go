package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/RichNachos/deepdecode/pkg/ml/checkpoints"
	"github.com/pkg/errors"
)

// ReportConfig prints the configuration saved with each checkpoint.
func ReportConfig(w io.Writer, records []*checkpoints.Record, names []string) error {
	for ii, record := range records {
		_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Configuration of %s", names[ii])))
		if len(record.Snapshot.Config) == 0 {
			_, _ = fmt.Fprintln(w, italicStyle.Render("no configuration saved"))
			continue
		}
		var indented bytes.Buffer
		if err := json.Indent(&indented, record.Snapshot.Config, "", "    "); err != nil {
			return errors.Wrapf(err, "invalid configuration in checkpoint %q", record.BaseName)
		}
		_, _ = fmt.Fprintln(w, indented.String())
	}
	return nil
}
