package frame

// Decoder accumulates stream bytes and yields complete frames.
// The zero value is not usable; call NewDecoder.
type Decoder struct {
	limits Limits
	buf    []byte
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{limits: limits.WithDefaults()}
}

// Feed appends bytes read from the stream.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame. ErrTruncated means more bytes are
// needed; any error wrapping ErrMalformed is terminal for the stream.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf, d.limits)
	if err != nil {
		return Frame{}, err
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return f, nil
}

// Buffered reports bytes received but not yet returned as a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops all buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
