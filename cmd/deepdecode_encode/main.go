// deepdecode_encode one-hot encodes a file of DNA sequences, one per line, into the "encoded_seq" format
// read by the training pipeline.
//
// Usage:
//
//	deepdecode_encode -input sequences.txt -output data/encoded_seq
//
// With no -input or -output, it reads from stdin or writes to stdout.
package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"

	"github.com/RichNachos/deepdecode/examples/dna"
	"github.com/RichNachos/deepdecode/pkg/support/fsutil"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagInput  = flag.String("input", "", "File with one DNA sequence per line. Defaults to stdin.")
	flagOutput = flag.String("output", "", "File to write the encoded sequences to. Defaults to stdout.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := encode(*flagInput, *flagOutput); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

func encode(inputPath, outputPath string) error {
	var r io.Reader = os.Stdin
	if inputPath != "" {
		inputPath, err := fsutil.ReplaceTildeInDir(inputPath)
		if err != nil {
			return err
		}
		f, err := os.Open(inputPath)
		if err != nil {
			return errors.Wrapf(err, "failed to open sequences file")
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	if outputPath == "" {
		n, err := dna.EncodeFile(r, os.Stdout)
		klog.V(1).Infof("Encoded %s sequences", humanize.Comma(int64(n)))
		return err
	}
	outputPath, err := fsutil.ReplaceTildeInDir(outputPath)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(outputPath), fsutil.DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create output directory")
	}
	var n int
	err = fsutil.WriteFileAtomic(outputPath, func(w io.Writer) error {
		var err error
		n, err = dna.EncodeFile(r, w)
		return err
	})
	if err != nil {
		return err
	}
	klog.Infof("Encoded %s sequences to %q", humanize.Comma(int64(n)), outputPath)
	return nil
}
