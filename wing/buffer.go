package wing

// copyOut copies s into dst. It returns the number of bytes written and
// ErrBufferTooSmall when s did not fit completely; the written prefix is
// still usable.
func copyOut(dst []byte, s string) (int, error) {
	n := copy(dst, s)
	if n < len(s) {
		return n, ErrBufferTooSmall
	}
	return n, nil
}
