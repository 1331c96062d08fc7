package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mbox-to-discourse/filter"
	"github.com/dhcgn/mbox-to-discourse/model"
)

// Record is one raw entry of an archive: its parsed header block and the
// undecoded payload.
type Record struct {
	Index  int
	Header mail.Header
	Body   []byte
}

type Options struct {
	// Filter is applied to every raw record; rejected records are never
	// handed to callers.
	Filter *filter.Filter
	Logger *slog.Logger
}

// Source is an archive that can be scanned any number of times.
type Source interface {
	Each(fn func(Record) error) error
}

// File returns a Source that reopens the mbox at path on every scan.
func File(path string, opts Options) (Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: mbox path is empty", model.ErrArchive)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrArchive, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", model.ErrArchive, path)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty", model.ErrArchive, path)
	}
	return &fileSource{path: path, opts: opts}, nil
}

// Bytes returns a Source over an in-memory mbox archive.
func Bytes(data []byte, opts Options) Source {
	return &bytesSource{data: data, opts: opts}
}

type fileSource struct {
	path string
	opts Options
}

func (s *fileSource) Each(fn func(Record) error) error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("%w: open mbox: %w", model.ErrArchive, err)
	}
	defer file.Close()
	return scan(file, s.opts, fn)
}

type bytesSource struct {
	data []byte
	opts Options
}

func (s *bytesSource) Each(fn func(Record) error) error {
	return scan(bytes.NewReader(s.data), s.opts, fn)
}

func scan(r io.Reader, opts Options, fn func(Record) error) error {
	reader := mboxlib.NewReader(r)

	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: message %d: %w", model.ErrArchive, idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("%w: message %d read: %w", model.ErrArchive, idx, err)
		}

		header, body := filter.SplitRawMessage(raw)
		if !opts.Filter.Allows(header, body) {
			continue
		}

		rec, err := ParseRecord(raw)
		if err != nil {
			// try to continue
			if opts.Logger != nil {
				opts.Logger.Debug("skipping unreadable mbox record", "index", idx, "err", err)
			}
			continue
		}
		rec.Index = idx

		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ParseRecord splits a raw RFC 5322 message into its header block and payload.
func ParseRecord(raw []byte) (Record, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return Record{}, fmt.Errorf("read header: %w", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return Record{}, fmt.Errorf("read body: %w", err)
	}
	return Record{
		Header: mail.Header{Header: message.Header{Header: h}},
		Body:   body,
	}, nil
}

// Count returns the number of records a scan of src yields.
func Count(src Source) (int, error) {
	count := 0
	err := src.Each(func(Record) error {
		count++
		return nil
	})
	return count, err
}
