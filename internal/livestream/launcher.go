package livestream

import (
	"hls-livestream/internal/session"
	"hls-livestream/internal/transcoder"
)

// ExitFunc is told when a launched transcoder exits.
type ExitFunc func(h session.Handle, err error, requested bool)

// Launcher starts a transcoder for a stream writing into dir.
type Launcher interface {
	Start(key, dir string, onExit ExitFunc) (session.Handle, error)
}

type supervisorLauncher struct {
	sup *transcoder.Supervisor
}

// NewLauncher adapts a transcoder.Supervisor to Launcher.
func NewLauncher(sup *transcoder.Supervisor) Launcher {
	return supervisorLauncher{sup: sup}
}

func (l supervisorLauncher) Start(key, dir string, onExit ExitFunc) (session.Handle, error) {
	p, err := l.sup.Start(key, dir, func(p *transcoder.Process, err error, requested bool) {
		onExit(p, err, requested)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
