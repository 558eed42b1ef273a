package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const wavHeaderSize = 44

// WAVWriter writes 16-bit PCM samples into a RIFF/WAVE container. The size
// fields of the header are patched on Close.
type WAVWriter struct {
	mu         sync.Mutex
	w          io.WriteSeeker
	closer     io.Closer
	sampleRate int
	channels   int
	dataBytes  uint32
	buf        []byte
	closed     bool
}

// NewWAVWriter writes a provisional header to w. If w is also an io.Closer
// it is closed by Close.
func NewWAVWriter(w io.WriteSeeker, sampleRate, channels int) (*WAVWriter, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("media: invalid WAV format %d Hz x %d", sampleRate, channels)
	}
	ww := &WAVWriter{w: w, sampleRate: sampleRate, channels: channels}
	if c, ok := w.(io.Closer); ok {
		ww.closer = c
	}
	if err := ww.writeHeader(); err != nil {
		return nil, err
	}
	return ww, nil
}

// CreateWAVFile creates path and returns a writer for it.
func CreateWAVFile(path string, sampleRate, channels int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("media: create recording: %w", err)
	}
	ww, err := NewWAVWriter(f, sampleRate, channels)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ww, nil
}

// WritePCM appends little-endian samples.
func (w *WAVWriter) WritePCM(samples []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	need := len(samples) * 2
	if cap(w.buf) < need {
		w.buf = make([]byte, need)
	}
	buf := w.buf[:need]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	n, err := w.w.Write(buf)
	w.dataBytes += uint32(n)
	return err
}

// DataBytes reports how many bytes of sample data have been written.
func (w *WAVWriter) DataBytes() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dataBytes
}

// Close finalizes the header and closes the underlying file.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.writeHeader()
	if w.closer != nil {
		err = errors.Join(err, w.closer.Close())
	}
	return err
}

// writeHeader rewrites the header in place and restores the write offset.
func (w *WAVWriter) writeHeader() error {
	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+w.dataBytes)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1)
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(w.sampleRate*w.channels*2))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(w.channels*2))
	binary.LittleEndian.PutUint16(hdr[34:36], 16)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], w.dataBytes)

	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("media: seek WAV header: %w", err)
	}
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("media: write WAV header: %w", err)
	}
	if _, err := w.w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("media: seek WAV data: %w", err)
	}
	return nil
}
