package memd

import (
	"bufio"
	"encoding/binary"
)

// ScanFrame is a bufio.SplitFunc that delimits one DCP frame at a
// time: it reads the fixed header to learn totalBodyLen, then waits
// for header+body to be available before returning a token. Wire it
// with bufio.Scanner.Buffer to raise the default token size above the
// largest expected mutation value.
func ScanFrame(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if len(data) < HeaderLen {
		if atEOF && len(data) > 0 {
			return 0, nil, bufio.ErrFinalToken
		}
		return 0, nil, nil
	}
	bodyLen := int(binary.BigEndian.Uint32(data[8:12]))
	frameLen := HeaderLen + bodyLen
	if len(data) < frameLen {
		return 0, nil, nil
	}
	return frameLen, data[:frameLen], nil
}
