package progress

import "io"

type readerAt struct {
	r io.ReaderAt
	m *Meter
}

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.r.ReadAt(p, off)
	r.m.Add(n)
	return n, err
}

// ReaderAt counts the bytes read through r.
func ReaderAt(r io.ReaderAt, m *Meter) io.ReaderAt {
	return readerAt{r: r, m: m}
}

type writerAt struct {
	w io.WriterAt
	m *Meter
}

func (w writerAt) WriteAt(p []byte, off int64) (int, error) {
	n, err := w.w.WriteAt(p, off)
	w.m.Add(n)
	return n, err
}

// WriterAt counts the bytes written through w.
func WriterAt(w io.WriterAt, m *Meter) io.WriterAt {
	return writerAt{w: w, m: m}
}
