package deltawire

import (
	"context"

	"github.com/golang/glog"

	"github.com/deltawire/deltawire/protocol"
)

// Receiver owns one connection's reception end to end: a websocket
// transport feeding a diff handler, with acks flowing back over the same
// connection. Each receiver is fully isolated; tearing it down discards
// the ring and cursor.
type Receiver[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *ReceiverTransport
	handler   *DiffHandler[T]
}

func NewReceiverWithDefaults[T any](
	ctx context.Context,
	url string,
	codec Codec[T],
) *Receiver[T] {
	return NewReceiver(
		ctx,
		url,
		codec,
		nil,
		DefaultDiffHandlerSettings(),
		DefaultReceiverTransportSettings(),
	)
}

func NewReceiver[T any](
	ctx context.Context,
	url string,
	codec Codec[T],
	errorCallback ErrorFunction,
	handlerSettings *DiffHandlerSettings,
	transportSettings *ReceiverTransportSettings,
) *Receiver[T] {
	cancelCtx, cancel := context.WithCancel(ctx)
	receiver := &Receiver[T]{
		ctx:    cancelCtx,
		cancel: cancel,
	}
	receiver.transport = NewReceiverTransport(cancelCtx, url, receiver.handleFrame, transportSettings)
	receiver.handler = NewDiffHandler(
		receiver.transport.ConnectionId(),
		codec,
		receiver.sendAck,
		errorCallback,
		handlerSettings,
	)
	receiver.transport.Start()
	return receiver
}

func (self *Receiver[T]) ConnectionId() Id {
	return self.transport.ConnectionId()
}

func (self *Receiver[T]) AddListener(listener StateFunction[T]) int {
	return self.handler.AddListener(listener)
}

func (self *Receiver[T]) RemoveListener(listenerId int) {
	self.handler.RemoveListener(listenerId)
}

func (self *Receiver[T]) Stats() DiffHandlerStats {
	return self.handler.Stats()
}

// FrameFunction
func (self *Receiver[T]) handleFrame(frame *protocol.Frame) {
	switch frame.MessageType {
	case protocol.MessageTypeLabeledState:
		labeledState, err := protocol.UnmarshalLabeledState(frame.MessageBytes)
		if err != nil {
			glog.Infof("[r]%s bad labeled state = %s\n", self.ConnectionId(), err)
			return
		}
		// frames arrive on the single read goroutine, so calls into the
		// handler are already serialized
		self.handler.Receive(labeledState)
	default:
		glog.V(2).Infof("[r]%s other message type = %s\n", self.ConnectionId(), frame.MessageType)
	}
}

// AckFunction
func (self *Receiver[T]) sendAck(ack *protocol.Ack) {
	self.transport.SendAck(ack)
}

func (self *Receiver[T]) Close() {
	self.cancel()
	self.transport.Close()
	self.handler.Close()
}
