package simulator

import (
	"sync"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

// Reply is the device reaction to one request frame
type Reply struct {
	// Frame is the raw response; nil means the device does not answer
	Frame []byte
	// Delay is how long the device takes before reacting
	Delay time.Duration
	// Close asks the transport to drop the connection after the delay
	Close bool
}

// Device is a simulated fiscal printer: fiscal memory, command handlers and a
// scriptable fault table
type Device struct {
	state  *DeviceState
	router *Router
	faults *Faults

	latency time.Duration
	online  bool
	mutex   sync.RWMutex
}

// NewDevice creates a simulated device that is online and answers after latency
func NewDevice(latency time.Duration) *Device {
	st := NewDeviceState()
	return &Device{
		state:   st,
		router:  NewRouter(st),
		faults:  NewFaults(),
		latency: latency,
		online:  true,
	}
}

// State returns the fiscal memory of the device
func (d *Device) State() *DeviceState {
	return d.state
}

// Faults returns the fault table of the device
func (d *Device) Faults() *Faults {
	return d.faults
}

// SetOnline controls whether the device accepts connections
func (d *Device) SetOnline(online bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.online != online {
		log.Infof("Simulator: device online=%v", online)
	}
	d.online = online
}

// Online reports whether the device accepts connections
func (d *Device) Online() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.online
}

// SetLatency sets the base response time
func (d *Device) SetLatency(latency time.Duration) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.latency = latency
}

func (d *Device) baseLatency() time.Duration {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.latency
}

// ConnectionClosed logs the operator out; the device keeps no session
// across host connections
func (d *Device) ConnectionClosed() {
	d.state.Logout()
}

// Handle processes one raw request frame. Undecodable frames are ignored, as
// the device cannot echo their sequence number.
func (d *Device) Handle(raw []byte) Reply {
	protocol.LogFrame("RX(sim)", raw)

	req, _, err := protocol.Unmarshal(raw)
	if err != nil {
		log.Warnf("Simulator: ignoring bad request frame: %v", err)
		return Reply{Delay: d.baseLatency()}
	}

	b := d.faults.Next(protocol.CommandName(req.Cmd))
	reply := Reply{Delay: d.baseLatency() + b.Delay()}

	if b.Action != ActionOK {
		log.Infof("Simulator: applying %s to %s seq=%d", b.Action, protocol.CommandName(req.Cmd), req.Seq)
	}

	switch b.Action {
	case ActionLost:
		reply.Close = true
		return reply

	case ActionStatus:
		resp := protocol.Frame{Seq: req.Seq, Cmd: req.Cmd, Status: b.Status}
		if b.Message != "" {
			resp.Data, _ = protocol.EncodeEcho(errorEcho(b.Message))
		}
		reply.Frame = d.marshal(resp)
		return reply
	}

	resp := d.router.Route(req)

	switch b.Action {
	case ActionDrop:
		reply.Close = true
	case ActionSilent:
	case ActionCorrupt:
		reply.Frame = d.marshal(resp)
		if n := len(reply.Frame); n > 3 {
			reply.Frame[n-2] ^= 0xFF
		}
	case ActionStale:
		resp.Seq--
		reply.Frame = d.marshal(resp)
	default:
		reply.Frame = d.marshal(resp)
	}

	return reply
}

func (d *Device) marshal(f protocol.Frame) []byte {
	raw, err := protocol.Marshal(f)
	if err != nil {
		log.Errorf("Simulator: cannot marshal response: %v", err)
		return nil
	}
	protocol.LogFrame("TX(sim)", raw)
	return raw
}
