package protocol

import (
	"encoding/hex"

	log "github.com/sirupsen/logrus"
)

// LogFrame logs a raw frame in a readable format
func LogFrame(direction string, raw []byte) {
	if !log.IsLevelEnabled(log.TraceLevel) {
		return
	}

	f, _, err := Unmarshal(raw)
	if err != nil {
		log.Tracef("%s raw frame (%v): %d bytes", direction, err, len(raw))
		return
	}

	data := hex.EncodeToString(f.Data)
	// login requests carry the operator password
	if f.Cmd == CmdOperatorLogin {
		data = "<redacted>"
	}

	log.Tracef("%s frame: seq=%d, cmd=%s, status=0x%02X, data=%s",
		direction, f.Seq, CommandName(f.Cmd), f.Status, data)
}
