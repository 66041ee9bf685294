package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"signal-fire/pkg/log"
	"signal-fire/pkg/signalfire"

	"github.com/pkg/errors"
)

// Receiver stores one incoming transfer in DestinationDir.
//
// If Versions is greater than 1, older files with the same name are kept with
// a version suffix: the older the file, the greater the number. Once Versions
// files exist the oldest one is deleted before the others are shifted.
type Receiver struct {
	cfg ReceiverConfig

	mu       sync.Mutex
	pw       *io.PipeWriter
	finished bool
	err      error
	path     string

	saved chan error
	done  chan struct{}
}

type ReceiverConfig struct {
	DestinationDir string
	Versions       uint16
}

func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	fi, err := os.Stat(cfg.DestinationDir)
	if err != nil {
		return nil, err
	}

	if !fi.IsDir() {
		return nil, errors.Wrap(errNotDirectory, cfg.DestinationDir)
	}

	if cfg.Versions == 0 {
		cfg.Versions = 1
	}

	return &Receiver{
		cfg:  cfg,
		done: make(chan struct{}),
	}, nil
}

// Done is closed once the transfer finished, successfully or not.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Err reports why the transfer failed. Only meaningful after Done.
func (r *Receiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

// Path is where the received file was stored.
func (r *Receiver) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.path
}

// HandleEvent consumes sub-channel events; subscribe it to the channel the
// transfer arrives on.
func (r *Receiver) HandleEvent(ev signalfire.ChannelEvent) {
	switch e := ev.(type) {
	case signalfire.ChannelMessage:
		if err := r.onFrame(e.Data); err != nil {
			r.finish(err)
		}
	case signalfire.ChannelClosed:
		r.finish(ErrIncomplete)
	}
}

func (r *Receiver) onFrame(frame []byte) error {
	if len(frame) == 0 {
		return errors.Wrap(ErrBadFrame, "empty frame")
	}

	r.mu.Lock()
	pw, finished := r.pw, r.finished
	r.mu.Unlock()

	if finished {
		return nil
	}

	switch frame[0] {
	case frameHeader:
		if pw != nil {
			return errors.Wrap(ErrBadFrame, "second header")
		}

		return r.start(frame)
	case frameData:
		if pw == nil {
			return errors.Wrap(ErrBadFrame, "data before header")
		}

		_, err := pw.Write(frame[1:])

		return err
	case frameEnd:
		if pw == nil {
			return errors.Wrap(ErrBadFrame, "end before header")
		}

		r.finish(nil)

		return nil
	default:
		return errors.Wrapf(ErrBadFrame, "kind %q", frame[0])
	}
}

func (r *Receiver) start(frame []byte) error {
	name, err := parseHeader(frame)
	if err != nil {
		return err
	}

	base := filepath.Base(name)
	if base != name || base == "." || base == ".." {
		return errors.Wrapf(ErrBadFrame, "file name %q", name)
	}

	path := filepath.Join(r.cfg.DestinationDir, base)

	r.shiftFileVersions(path)

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	log.Info("receiving file: ", base)

	pr, pw := io.Pipe()
	saved := make(chan error, 1)

	go func() {
		_, err := io.Copy(f, pr)
		if cerr := f.Close(); err == nil {
			err = cerr
		}

		_ = pr.CloseWithError(err)
		saved <- err
	}()

	r.mu.Lock()
	r.pw = pw
	r.path = path
	r.saved = saved
	r.mu.Unlock()

	return nil
}

// finish ends the transfer once; a nil err means the end frame arrived.
func (r *Receiver) finish(err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()

		return
	}
	r.finished = true
	pw, saved := r.pw, r.saved
	r.mu.Unlock()

	if pw != nil {
		if err != nil {
			_ = pw.CloseWithError(err)
		} else {
			_ = pw.Close()
		}

		if serr := <-saved; err == nil {
			err = serr
		}
	} else if err == nil {
		err = ErrIncomplete
	}

	if err != nil {
		log.Errorf("receive file: %v", err)
	} else {
		log.Info("file received")
	}

	r.mu.Lock()
	r.err = err
	r.mu.Unlock()

	close(r.done)
}

func (r *Receiver) shiftFileVersions(path string) {
	oldestVersion := int(r.cfg.Versions) - 1

	for i := oldestVersion; i >= 0; i-- {
		oldVersionPath := path

		if i != 0 {
			oldVersionPath += fmt.Sprintf(".%d", i)
		}

		if _, err := os.Stat(oldVersionPath); err != nil {
			if !os.IsNotExist(err) {
				log.Error(err)
			}

			continue
		}

		if i == oldestVersion {
			if err := os.Remove(oldVersionPath); err != nil {
				log.Error(err)
			}

			continue
		}

		if err := os.Rename(oldVersionPath, fmt.Sprintf("%s.%d", path, i+1)); err != nil {
			log.Error(err)
		}
	}
}
