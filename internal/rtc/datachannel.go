package rtc

import "github.com/pion/webrtc/v4"

// DataChannel is the RTCDataChannel-equivalent surface spec'd in §6:
// label, readyState, send, close, plus the four lifecycle callbacks.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	Close() error

	OnOpen(func())
	OnMessage(func(data []byte))
	OnClose(func())
	OnError(func(error))
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func wrapDataChannel(dc *webrtc.DataChannel) DataChannel {
	return &pionDataChannel{dc: dc}
}

func (d *pionDataChannel) Label() string {
	return d.dc.Label()
}

func (d *pionDataChannel) ReadyState() webrtc.DataChannelState {
	return d.dc.ReadyState()
}

func (d *pionDataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *pionDataChannel) Close() error {
	return d.dc.Close()
}

func (d *pionDataChannel) OnOpen(fn func()) {
	d.dc.OnOpen(fn)
}

func (d *pionDataChannel) OnMessage(fn func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *pionDataChannel) OnClose(fn func()) {
	d.dc.OnClose(fn)
}

func (d *pionDataChannel) OnError(fn func(error)) {
	d.dc.OnError(fn)
}
