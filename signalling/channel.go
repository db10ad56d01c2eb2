package signalling

type (
	// ChanSender sends signals into an intra-process channel. Values are
	// freely copyable; every copy feeds the same receiver, giving the
	// multi-producer single-consumer shape used between a scheduler and
	// its worker pool.
	ChanSender struct {
		ch chan<- Signal
	}

	// ChanReceiver is the single consumer of an intra-process channel.
	ChanReceiver struct {
		ch <-chan Signal
	}
)

// Channel returns a connected intra-process sender/receiver pair. The
// buffer decouples producers from the consumer; workers must never
// block on ready delivery while the scheduler is between receives.
func Channel(buffer int) (ChanSender, *ChanReceiver) {
	ch := make(chan Signal, buffer)
	return ChanSender{ch: ch}, &ChanReceiver{ch: ch}
}

// Send implements Sender. It never fails; the error is part of the
// transport-neutral interface.
func (x ChanSender) Send(s Signal) error {
	x.ch <- s
	return nil
}

// Recv implements Receiver, blocking until a signal is available.
func (x *ChanReceiver) Recv() (Signal, error) {
	return <-x.ch, nil
}
