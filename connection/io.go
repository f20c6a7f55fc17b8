package connection

import "github.com/spirit-labs/proxyrpc/transport"

func readFully(tr transport.Transceiver, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		r, err := awaitIO(func(cb func()) bool {
			return tr.StartRead(buf[read:], cb)
		}, tr.FinishRead)
		if err != nil {
			return nil, err
		}
		read += r
	}
	return buf, nil
}

func writeFully(tr transport.Transceiver, buf []byte) error {
	for len(buf) > 0 {
		n, err := awaitIO(func(cb func()) bool {
			return tr.StartWrite(buf, cb)
		}, tr.FinishWrite)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// awaitIO starts an operation and waits for its callback unless it completed synchronously.
func awaitIO(start func(cb func()) bool, finish func() (int, error)) (int, error) {
	done := make(chan struct{}, 1)
	if !start(func() { done <- struct{}{} }) {
		<-done
	}
	return finish()
}
