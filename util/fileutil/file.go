package fileutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs"
	"github.com/viant/afs/option"
	_ "github.com/viant/afsc/s3"
)

var fileSystem = afs.New()

// ReadFileBytes reads a whole local or s3:// file.
func ReadFileBytes(filename string) ([]byte, error) {
	file, err := OpenFile(filename)
	if err != nil {
		return nil, err
	}
	defer func(file io.Closer) {
		err = errors.Join(err, file.Close())
	}(file)

	outBytes, readErr := io.ReadAll(file)
	if readErr != nil {
		return nil, readErr
	}
	return outBytes, err
}

func GetPathType(path string) string {
	if strings.HasPrefix(path, "s3://") {
		return "S3"
	}
	return "os"
}

func OpenFile(filename string) (io.ReadCloser, error) {
	reader, err := fileSystem.OpenURL(context.Background(), filename)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", filename, err)
	}
	return reader, nil
}

// ReadLine returns a single line (without the ending \n)
// from the input buffered reader.
// This function is needed to avoid the 65K char line limit: a bag with
// many instances is a very long line.
func ReadLine(r *bufio.Reader) ([]byte, error) {
	var (
		isPrefix = true
		err      error
		line, ln []byte
	)
	for isPrefix && err == nil {
		line, isPrefix, err = r.ReadLine()
		ln = append(ln, line...)
	}
	return ln, err
}

// ForEachLine calls fn with every non-empty line of filename, in order.
// The slice passed to fn is only valid for the duration of the call.
func ForEachLine(filename string, fn func(lineNumber int, line []byte) error) (err error) {
	reader, err := OpenFile(filename)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, reader.Close())
	}()

	buffered := bufio.NewReader(reader)
	for lineNumber := 1; ; lineNumber++ {
		line, readErr := ReadLine(buffered)
		if len(line) > 0 {
			if fnErr := fn(lineNumber, line); fnErr != nil {
				return fnErr
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading %s line %d: %w", filename, lineNumber, readErr)
		}
	}
}

// PathJoinSafe wrapper around filepath.Join to ensure that paths are correctly constructed
// if the path is a normal OS path, just use filepath.Join
// if the path is S3, trim any trailing slashes and construct it manually from the components
// so that double slashes (e.g. s3://) are preserved.
func PathJoinSafe(elem ...string) string {
	var path string

	switch GetPathType(elem[0]) {
	case "S3":
		basePath := strings.TrimSuffix(elem[0], "/")
		path = basePath + string(filepath.Separator) + filepath.Join(elem[1:]...)
	default:
		path = filepath.Join(elem...)
	}
	return path
}

// CreateDir creates the directory (and parents) if it does not exist yet.
func CreateDir(dir string) error {
	exists, err := FileExists(dir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return fileSystem.Create(context.Background(), dir, os.ModePerm, true)
}

func FileExists(filename string) (bool, error) {
	return fileSystem.Exists(context.Background(), filename)
}

// NewFileWriter opens filename for writing, replacing any previous content.
func NewFileWriter(filename string) (io.WriteCloser, error) {
	exists, err := FileExists(filename)
	if err != nil {
		return nil, err
	}
	if exists {
		err = fileSystem.Delete(context.Background(), filename)
		if err != nil {
			return nil, err
		}
	}
	return fileSystem.NewWriter(context.Background(), filename, 0o644, option.NewSkipChecksum(true))
}

// WriteFileBytes replaces the content of filename with data.
func WriteFileBytes(filename string, data []byte) (err error) {
	writer, err := NewFileWriter(filename)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filename, err)
	}
	defer func() {
		err = errors.Join(err, writer.Close())
	}()
	if _, err = writer.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	return nil
}
