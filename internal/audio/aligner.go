package audio

import "io"

// SampleAligner forwards only whole audio frames to the underlying writer.
// Bytes of an incomplete trailing frame are carried over to the next Write,
// so 16-bit samples are never split across chunk boundaries.
type SampleAligner struct {
	w         io.Writer
	frameSize int
	carry     []byte
}

// NewSampleAligner creates an aligner for frames of frameSize bytes.
// A frameSize of 1 or less disables alignment.
func NewSampleAligner(w io.Writer, frameSize int) *SampleAligner {
	return &SampleAligner{w: w, frameSize: frameSize}
}

// Write implements io.Writer. It reports len(p) on success even when some
// bytes are held back for the next call.
func (a *SampleAligner) Write(p []byte) (int, error) {
	if a.frameSize <= 1 {
		return a.w.Write(p)
	}

	buf := p
	if len(a.carry) > 0 {
		buf = make([]byte, 0, len(a.carry)+len(p))
		buf = append(buf, a.carry...)
		buf = append(buf, p...)
		a.carry = a.carry[:0]
	}

	whole := len(buf) - len(buf)%a.frameSize
	a.carry = append(a.carry, buf[whole:]...)

	if whole > 0 {
		if _, err := a.w.Write(buf[:whole]); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

// Pending returns the number of carried bytes not yet forwarded
func (a *SampleAligner) Pending() int {
	return len(a.carry)
}

// Flush discards an incomplete trailing frame and returns how many bytes were dropped
func (a *SampleAligner) Flush() int {
	dropped := len(a.carry)
	a.carry = a.carry[:0]
	return dropped
}
