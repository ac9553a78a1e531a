package linkwatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var linkSubscribe = netlink.LinkSubscribeWithOptions

// LinkHandler applies link changes to the interface table.
type LinkHandler interface {
	HandleLink(link netlink.Link, present bool) error
}

// Watcher feeds netlink link updates to a LinkHandler.
type Watcher struct {
	log     logr.Logger
	handler LinkHandler
}

func New(log logr.Logger, handler LinkHandler) *Watcher {
	return &Watcher{log: log.WithName("linkwatcher"), handler: handler}
}

// Run subscribes to link updates, existing links included, and applies them until ctx is done. A failed
// subscription ends Run with an error, since updates may have been lost.
func (w *Watcher) Run(ctx context.Context) error {
	ch := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	defer func() {
		close(done)
		// The subscription goroutine may be blocked sending an update; it closes ch once it stops.
		go func() {
			for range ch {
			}
		}()
	}()

	subErr := make(chan error, 1)
	if err := linkSubscribe(ch, done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			select {
			case subErr <- err:
			default:
			}
		},
		ListExisting: true,
	}); err != nil {
		return fmt.Errorf("subscribing to link changes: %w", err)
	}
	w.log.Info("Subscribed to link changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subErr:
			return fmt.Errorf("processing a netlink message: %w", err)
		case u, ok := <-ch:
			if !ok {
				return errors.New("link update channel closed")
			}
			if err := w.handleLinkUpdate(&u); err != nil {
				w.log.Error(err, "Failed to process link update")
			}
		}
	}
}

func (w *Watcher) handleLinkUpdate(u *netlink.LinkUpdate) error {
	if u.Link == nil {
		return fmt.Errorf("received a link update without link attributes")
	}
	attrs := u.Link.Attrs()

	switch u.Header.Type {
	case unix.RTM_NEWLINK:
		w.log.V(1).Info("Interface created or updated", "index", attrs.Index, "name", attrs.Name)
		if err := w.handler.HandleLink(u.Link, true); err != nil {
			return fmt.Errorf("handling new link %s: %w", attrs.Name, err)
		}
	case unix.RTM_DELLINK:
		w.log.V(1).Info("Interface removed", "index", attrs.Index, "name", attrs.Name)
		if err := w.handler.HandleLink(u.Link, false); err != nil {
			return fmt.Errorf("handling removed link %s: %w", attrs.Name, err)
		}
	default:
		return fmt.Errorf("received a netlink message of unknown type: %x", u.Header.Type)
	}
	return nil
}
