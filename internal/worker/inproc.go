package worker

import (
	"context"
	"errors"
	"io"
	"sync"
)

var errKilled = errors.New("worker killed")

// InProc runs Serve on a goroutine behind pipe pairs. It satisfies the
// runner's process interface without forking, which is what tests and the
// single-binary development mode use.
type InProc struct {
	controlW *io.PipeWriter
	eventR   *io.PipeReader
	cancel   context.CancelFunc
	done     chan struct{}
	killOnce sync.Once
}

func StartInProc(cfg Config) *InProc {
	controlR, controlW := io.Pipe()
	eventR, eventW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	p := &InProc{
		controlW: controlW,
		eventR:   eventR,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		_ = Serve(ctx, controlR, eventW, cfg)
		eventW.Close()
	}()
	return p
}

func (p *InProc) Control() io.WriteCloser { return p.controlW }
func (p *InProc) Events() io.Reader       { return p.eventR }
func (p *InProc) Pid() int                { return 0 }

// Kill interrupts whatever is running and severs both channels. The event
// side reports EOF to the host immediately; the serve goroutine unwinds
// cooperatively behind it.
func (p *InProc) Kill() error {
	p.killOnce.Do(func() {
		p.cancel()
		_ = p.controlW.CloseWithError(errKilled)
		_ = p.eventR.CloseWithError(errKilled)
	})
	return nil
}

func (p *InProc) Wait() error {
	<-p.done
	return nil
}
