package transfer

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"signal-fire/pkg/log"

	"github.com/TelenLiu/go-zip"
	"github.com/pkg/errors"
)

const (
	defaultChunkSize   = 16 * 1024
	defaultMaxBuffered = 1024 * 1024
	drainInterval      = 10 * time.Millisecond
)

// Sender sends SourceEntry over a channel. With ZipDir set SourceEntry must be
// a directory; its content is zipped into "${SourceEntry}.zip" protected with
// Password1, which in turn is zipped into OutputFilename protected with
// Password2. Empty passwords leave the corresponding archive unencrypted.
type Sender struct {
	cfg SenderConfig
}

type SenderConfig struct {
	ZipDir         bool
	SourceEntry    string
	OutputFilename string
	Password1      string
	Password2      string

	// ChunkSize bounds one data frame. MaxBuffered is the amount of queued
	// outbound bytes above which the sender waits for the channel to drain.
	ChunkSize   int
	MaxBuffered uint64
}

func NewSender(cfg SenderConfig) (*Sender, error) {
	// A bad path is reported now rather than once a peer is connected.
	fi, err := os.Stat(cfg.SourceEntry)
	if err != nil {
		return nil, err
	}

	if cfg.ZipDir {
		if !fi.IsDir() {
			return nil, errors.Wrap(errNotDirectory, cfg.SourceEntry)
		}

		if len(cfg.OutputFilename) == 0 {
			return nil, errors.New("output filename is empty")
		}
	} else if fi.IsDir() {
		return nil, errors.Wrap(errIsDirectory, cfg.SourceEntry)
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	if cfg.MaxBuffered == 0 {
		cfg.MaxBuffered = defaultMaxBuffered
	}

	return &Sender{cfg: cfg}, nil
}

// Send writes the whole transfer to ch. The channel must already be open.
func (s *Sender) Send(ctx context.Context, ch Channel) error {
	name := filepath.Base(s.cfg.SourceEntry)
	if s.cfg.ZipDir {
		name = s.cfg.OutputFilename
	}

	header, err := headerFrame(name)
	if err != nil {
		return err
	}

	if err := ch.Send(header); err != nil {
		return errors.Wrap(err, "send header")
	}

	log.Info("sending file: ", name)

	w := &chunkWriter{
		ctx:         ctx,
		ch:          ch,
		chunkSize:   s.cfg.ChunkSize,
		maxBuffered: s.cfg.MaxBuffered,
	}

	if s.cfg.ZipDir {
		err = s.sendDirArchived(w)
	} else {
		err = copyFile(s.cfg.SourceEntry, w)
	}

	if err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}

	return errors.Wrap(ch.Send([]byte{frameEnd}), "send end")
}

func (s *Sender) sendDirArchived(w io.Writer) error {
	fi, err := os.Stat(s.cfg.SourceEntry)
	if err != nil {
		return err
	}

	fh, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}

	fh.Name += ".zip"
	// go-zip fails with io.ErrShortWrite on nested writes when the outer
	// archive uses zip.Store.
	fh.Method = zip.Deflate
	fh.SetMode(fh.Mode() &^ fs.ModeDir)

	setPassword(fh, s.cfg.Password2)

	outer := zip.NewWriter(w)

	inner, err := outer.CreateHeader(fh)
	if err != nil {
		return err
	}

	z := zip.NewWriter(inner)

	log.Info("archiving directory: ", s.cfg.SourceEntry)

	if err := s.archiveDir(z); err != nil {
		return err
	}

	if err := z.Close(); err != nil {
		return errors.Wrap(err, "close inner archive")
	}

	return errors.Wrap(outer.Close(), "close outer archive")
}

func (s *Sender) archiveDir(z *zip.Writer) error {
	return filepath.Walk(s.cfg.SourceEntry, func(path string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if fi.IsDir() {
			return nil
		}

		fh, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(s.cfg.SourceEntry, path)
		if err != nil {
			return err
		}

		fh.Name = filepath.ToSlash(rel)
		fh.Method = zip.Deflate

		setPassword(fh, s.cfg.Password1)

		w, err := z.CreateHeader(fh)
		if err != nil {
			return err
		}

		return copyFile(path, w)
	})
}

func setPassword(fh *zip.FileHeader, password string) {
	if len(password) == 0 {
		return
	}

	fh.SetPassword(password)
	fh.SetEncryptionType(zip.StandardEncryption)
}

func copyFile(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)

	return err
}

// chunkWriter turns a byte stream into data frames of at most chunkSize
// bytes, pausing while the channel has more than maxBuffered bytes queued.
type chunkWriter struct {
	ctx         context.Context
	ch          Channel
	chunkSize   int
	maxBuffered uint64

	buf []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	written := 0

	for len(p) > 0 {
		if w.buf == nil {
			w.buf = make([]byte, 1, w.chunkSize+1)
			w.buf[0] = frameData
		}

		n := copy(w.buf[len(w.buf):cap(w.buf)], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n

		if len(w.buf) == cap(w.buf) {
			if err := w.Flush(); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// Flush sends the buffered partial chunk, if any.
func (w *chunkWriter) Flush() error {
	if len(w.buf) <= 1 {
		return nil
	}

	if err := w.drain(); err != nil {
		return err
	}

	frame := w.buf
	w.buf = nil

	return errors.Wrap(w.ch.Send(frame), "send chunk")
}

func (w *chunkWriter) drain() error {
	if w.ch.BufferedAmount() <= w.maxBuffered {
		return nil
	}

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for w.ch.BufferedAmount() > w.maxBuffered {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}
