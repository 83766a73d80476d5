package source

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Updater receives source text. *previewer.Controller implements it.
type Updater interface {
	UpdateSource(ctx context.Context, text string) error
}

// DefaultSettle is how long Sync waits for an edit burst to finish before reading the text.
const DefaultSettle = 50 * time.Millisecond

type Syncer struct {
	Log      *zap.SugaredLogger
	Provider Provider
	Updater  Updater
	// Settle delays reading after a change notification. Zero means DefaultSettle, negative means no delay.
	Settle time.Duration
}

// Run sends the current text, then sends it again after every change until ctx is done or the provider closes.
// Text that is unchanged since the last successful send is skipped. Failed sends are logged and retried on the
// next change, so a renderer that is not ready yet picks the text up on the following edit.
func (s *Syncer) Run(ctx context.Context) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	settle := s.Settle
	if settle == 0 {
		settle = DefaultSettle
	}

	var last string
	sent := false
	push := func() {
		text, err := s.Provider.Text()
		if err != nil {
			log.Warnw("reading source", "Error", err)
			return
		}
		if sent && text == last {
			return
		}
		if err := s.Updater.UpdateSource(ctx, text); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Infow("sending source update", "Error", err)
			}
			return
		}
		last, sent = text, true
	}

	push()
	changes := s.Provider.Changes()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if settle > 0 {
				select {
				case <-time.After(settle):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			push()
		}
	}
}
