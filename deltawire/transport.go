package deltawire

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/deltawire/deltawire/protocol"
)

// called on the read goroutine with each decoded frame, in arrival order
type FrameFunction func(frame *protocol.Frame)

type ReceiverTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int
}

func DefaultReceiverTransportSettings() *ReceiverTransportSettings {
	return &ReceiverTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

// ReceiverTransport maintains a websocket connection to the sending peer,
// delivers inbound frames to the receive callback, and writes outbound
// frames (acks) from a bounded send queue. Reconnects with a timeout on
// connection loss. An empty binary message is a ping in both directions.
type ReceiverTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionId Id
	url          string

	receiveCallback FrameFunction

	send chan []byte

	settings *ReceiverTransportSettings
}

func NewReceiverTransportWithDefaults(
	ctx context.Context,
	url string,
	receiveCallback FrameFunction,
) *ReceiverTransport {
	return NewReceiverTransport(ctx, url, receiveCallback, DefaultReceiverTransportSettings())
}

// the transport does not connect until `Start`, so that the caller can
// finish wiring callbacks that reference it
func NewReceiverTransport(
	ctx context.Context,
	url string,
	receiveCallback FrameFunction,
	settings *ReceiverTransportSettings,
) *ReceiverTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ReceiverTransport{
		ctx:             cancelCtx,
		cancel:          cancel,
		connectionId:    NewId(),
		url:             url,
		receiveCallback: receiveCallback,
		send:            make(chan []byte, settings.SendBufferSize),
		settings:        settings,
	}
}

func (self *ReceiverTransport) ConnectionId() Id {
	return self.connectionId
}

func (self *ReceiverTransport) Start() {
	go self.run()
}

// SendFrame queues a frame without blocking. Returns false if the send
// queue is full; the frame is dropped in that case.
func (self *ReceiverTransport) SendFrame(frame *protocol.Frame) bool {
	select {
	case self.send <- frame.Marshal():
		return true
	default:
		glog.Infof("[t]%s send buffer full\n", self.connectionId)
		return false
	}
}

func (self *ReceiverTransport) SendAck(ack *protocol.Ack) bool {
	return self.SendFrame(ack.ToFrame())
}

func (self *ReceiverTransport) run() {
	defer self.cancel()

	for {
		reconnect := newReconnect(self.settings.ReconnectTimeout)

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[t]%s connect error = %s\n", self.connectionId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
							// a websocket deadline timeout cannot be recovered
							glog.Infof("[ts]%s-> error = %s\n", self.connectionId, err)
							return
						}
						glog.V(2).Infof("[ts]%s->\n", self.connectionId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					messageType, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]%s<- error = %s\n", self.connectionId, err)
						return
					}

					switch messageType {
					case websocket.BinaryMessage:
						if 0 == len(message) {
							// ping
							glog.V(2).Infof("[tr]ping %s<-\n", self.connectionId)
							continue
						}

						frame, err := protocol.UnmarshalFrame(message)
						if err != nil {
							// bad protobuf
							glog.Infof("[tr]%s<- bad frame = %s\n", self.connectionId, err)
							continue
						}
						self.receiveCallback(frame)
						glog.V(2).Infof("[tr]%s<-\n", self.connectionId)
					default:
						glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.connectionId)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}()

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

func (self *ReceiverTransport) Close() {
	self.cancel()
}
