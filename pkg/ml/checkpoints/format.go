/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// BinFormat is the encoding of the data files.
type BinFormat int

const (
	// BinGZIP data files start with a header naming the compression, followed by the gzip stream.
	BinGZIP BinFormat = iota

	// BinUncompressed data files hold the raw values, with no header.
	BinUncompressed
)

var binFormatNames = map[BinFormat]string{
	BinGZIP:         "gzip",
	BinUncompressed: "uncompressed",
}

// String implements fmt.Stringer.
func (bf BinFormat) String() string {
	if name, found := binFormatNames[bf]; found {
		return name
	}
	return "unknown"
}

const (
	binHeader     = "deepdecode_checkpoints"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header
//
// ---------------------------------------------------
// | 0                      21 | 22  | 23    22 +len |
// ---------------------------------------------------
// |  "deepdecode_checkpoints"  | len |  "gzip"       |
//
// followed by the gzip stream of the raw bytes of each variable, in index order.
// Uncompressed files have no header.

// flushWriter is where the variables are written to.
type flushWriter interface {
	Write([]byte) (int, error)
	Flush() error
	Close() error
}

// bufferedWriter adapts a bufio.Writer, which has no Close, to flushWriter.
type bufferedWriter struct {
	*bufio.Writer
}

func (bw bufferedWriter) Close() error { return bw.Flush() }

// newVarWriter writes the header for the binary format to w and returns the writer of the variable values.
// The caller must Close it, which doesn't close w.
func newVarWriter(w io.Writer, bf BinFormat) (flushWriter, error) {
	if bf == BinUncompressed {
		return bufferedWriter{bufio.NewWriter(w)}, nil
	}
	var h []byte
	h = append(h, []byte(binHeader)...)
	h = append(h, lenGzipHeader)
	h = append(h, []byte(gzipHeader)...)
	if _, err := w.Write(h); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	return gzip.NewWriter(w), nil
}

// newVarReader returns a reader of the decompressed variable values of the contents of a binary file.
// Contents with no header are read as uncompressed.
func newVarReader(contents []byte) (*bytes.Reader, error) {
	if !bytes.HasPrefix(contents, []byte(binHeader)) {
		return bytes.NewReader(contents), nil
	}
	contents = contents[lenBinHeader:]
	if len(contents) < 1 {
		return nil, errors.Wrap(ErrCorruptCheckpoint, "truncated header")
	}
	compressionLen := int(contents[0])
	contents = contents[1:]
	if len(contents) < compressionLen {
		return nil, errors.Wrap(ErrCorruptCheckpoint, "truncated header")
	}
	compression := string(contents[:compressionLen])
	if compression != gzipHeader {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "unsupported compression %q", compression)
	}
	rd, err := gzip.NewReader(bytes.NewReader(contents[compressionLen:]))
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "read gzip header: %v", err)
	}
	var decompressed bytes.Buffer
	if _, err = decompressed.ReadFrom(rd); err != nil {
		return nil, errors.Wrapf(ErrCorruptCheckpoint, "read gzip: %v", err)
	}
	return bytes.NewReader(decompressed.Bytes()), nil
}

// writeTensor writes the raw bytes of the tensor, and returns the number of bytes written.
func writeTensor(w io.Writer, tensor *tensors.Tensor) (n int, err error) {
	accessErr := tensor.ConstBytes(func(data []byte) {
		n, err = w.Write(data)
	})
	if accessErr != nil {
		return 0, accessErr
	}
	return n, err
}

// readTensor fills the tensor with its raw bytes read from r.
func readTensor(r io.Reader, tensor *tensors.Tensor) (err error) {
	accessErr := tensor.MutableBytes(func(data []byte) {
		_, err = io.ReadFull(r, data)
	})
	if accessErr != nil {
		return accessErr
	}
	return err
}
