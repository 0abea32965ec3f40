package download

import (
	"errors"
	"sync"

	"github.com/dmitrijs2005/gophbackup/internal/common"
)

// FailureKind lets the caller pick the right message for a prompt.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureUnsupportedVersion
)

func (k FailureKind) String() string {
	if k == FailureUnsupportedVersion {
		return "unsupported_version"
	}
	return "unknown"
}

type Decision int

const (
	DecisionRetry Decision = iota
	DecisionCancel
)

func (d Decision) String() string {
	if d == DecisionRetry {
		return "retry"
	}
	return "cancel"
}

// Prompt is a failed attempt waiting for the user. The machine is blocked
// until Retry or Cancel is called, or the download is aborted.
type Prompt struct {
	Kind FailureKind
	Err  error
	// CanRetry is false when fetching the same backup again cannot help.
	CanRetry bool

	once     sync.Once
	decided  chan struct{}
	decision Decision
}

func newPrompt(err error) *Prompt {
	kind := FailureUnknown
	if errors.Is(err, common.ErrUnsupportedBackupVersion) {
		kind = FailureUnsupportedVersion
	}
	return &Prompt{
		Kind:     kind,
		Err:      err,
		CanRetry: retryable(err),
		decided:  make(chan struct{}),
	}
}

// retryable reports whether another attempt could succeed. Corrupt or
// too-new backups will fail the same way every time.
func retryable(err error) bool {
	switch {
	case errors.Is(err, common.ErrUnsupportedBackupVersion),
		errors.Is(err, common.ErrCorruptFrame),
		errors.Is(err, common.ErrCorruptPadding):
		return false
	}
	return true
}

// Retry starts the download again. It behaves like Cancel when the prompt
// cannot be retried.
func (p *Prompt) Retry() {
	if !p.CanRetry {
		p.resolve(DecisionCancel)
		return
	}
	p.resolve(DecisionRetry)
}

// Cancel gives up and deletes the partial download.
func (p *Prompt) Cancel() { p.resolve(DecisionCancel) }

// Done is closed once the prompt has been answered.
func (p *Prompt) Done() <-chan struct{} { return p.decided }

// Decision is only meaningful after Done is closed.
func (p *Prompt) Decision() Decision {
	<-p.decided
	return p.decision
}

func (p *Prompt) resolve(d Decision) {
	p.once.Do(func() {
		p.decision = d
		close(p.decided)
	})
}
