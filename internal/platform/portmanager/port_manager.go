package portmanager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/platform/api/wire"
	"github.com/sirupsen/logrus"
)

const DefaultProbeTimeout = 2 * time.Second

type BindOptions struct {
	// Attach reuses a live compatible server instead of starting a second one.
	Attach       bool
	ProbeTimeout time.Duration
	Logger       *logrus.Logger
}

// Binding is the outcome of BindWithRetry. Exactly one of Listener or
// Attached is set.
type Binding struct {
	Listener net.Listener
	Port     int
	Attached bool
	Status   wire.StatusReply
}

func (b *Binding) Address(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(b.Port))
}

// BindWithRetry tries preferredPort, preferredPort+1, ... for maxRetries ports
// in total. An occupied port is probed; with Attach set a live compatible
// server there is returned instead of a listener.
func BindWithRetry(ctx context.Context, host string, preferredPort, maxRetries int, opts BindOptions) (*Binding, error) {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port := preferredPort + attempt
		if port < 1 || port > 65535 {
			break
		}
		entry := log.WithFields(logrus.Fields{"host": host, "port": port, "attempt": attempt + 1})

		if opts.Attach {
			if status, ok := ProbeLiveness(ctx, host, port, opts.ProbeTimeout); ok && attachable(status) {
				entry.WithField("state", status.State).Info("attaching to running index server")
				return &Binding{Port: port, Attached: true, Status: status}, nil
			}
		}

		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			entry.Debug("port bound")
			return &Binding{Listener: l, Port: port}, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("listen on %s:%d: %w", host, port, err)
		}

		status, alive := ProbeLiveness(ctx, host, port, opts.ProbeTimeout)
		switch {
		case alive && attachable(status) && opts.Attach:
			entry.WithField("state", status.State).Info("attaching to running index server")
			return &Binding{Port: port, Attached: true, Status: status}, nil
		case alive && status.Compatible():
			entry.WithField("state", status.State).Info("port held by another index server, trying next")
		case alive:
			entry.WithField("protocol", status.ProtocolVersion).Warn("port held by incompatible index server, trying next")
		default:
			entry.Info("port held by unknown peer, trying next")
		}
	}
	return nil, fmt.Errorf("%w: no usable port in [%d, %d]", domain.ErrPortExhausted,
		preferredPort, preferredPort+maxRetries-1)
}

// attachable reports whether a probed server can be reused: it speaks our
// protocol and is indexing or serving rather than shutting down.
func attachable(status wire.StatusReply) bool {
	return status.Compatible() && status.State.Listening()
}

// ProbeLiveness sends a single STATUS request and reports whether the peer
// answered with a valid STATUS_REPLY. It changes nothing on the peer.
func ProbeLiveness(ctx context.Context, host string, port int, timeout time.Duration) (wire.StatusReply, bool) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return wire.StatusReply{}, false
	}
	defer conn.Close()
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	frame, err := wire.EncodeRequest(wire.StatusRequest{})
	if err != nil {
		return wire.StatusReply{}, false
	}
	if err := wire.WriteFrame(conn, frame); err != nil {
		return wire.StatusReply{}, false
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return wire.StatusReply{}, false
	}
	resp, err := wire.DecodeResponse(reply)
	if err != nil {
		return wire.StatusReply{}, false
	}
	status, ok := resp.(wire.StatusReply)
	return status, ok
}
