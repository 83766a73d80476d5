package previewer

import (
	"github.com/guseggert/remotepreview/frame"
	"github.com/guseggert/remotepreview/protocol"
)

// Observer receives controller events through the controller's Dispatcher.
type Observer interface {
	OnStarted()
	OnStopped()
	OnFrame(img *frame.Image)
	// OnErrorChanged is called when the renderer's markup error changes. nil means the markup is valid.
	OnErrorChanged(details *protocol.ExceptionDetails)
	// OnProcessExited is called once per renderer process, whether it was stopped or crashed.
	OnProcessExited(code int)
	OnCrashed(err *CrashError)
	OnViewportResize(width, height float64)
}

// NopObserver implements Observer with no-ops, for embedding in observers that only care about some events.
type NopObserver struct{}

func (NopObserver) OnStarted()                                {}
func (NopObserver) OnStopped()                                {}
func (NopObserver) OnFrame(*frame.Image)                      {}
func (NopObserver) OnErrorChanged(*protocol.ExceptionDetails) {}
func (NopObserver) OnProcessExited(int)                       {}
func (NopObserver) OnCrashed(*CrashError)                     {}
func (NopObserver) OnViewportResize(width, height float64)    {}

// Dispatcher runs f on whatever execution context the host requires observer callbacks on.
type Dispatcher func(f func())

// Inline runs f on the calling goroutine.
func Inline(f func()) { f() }
