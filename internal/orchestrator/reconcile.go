package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/crypdick/pynchy/internal/channels"
	"github.com/crypdick/pynchy/internal/store"
)

// reconcileChannels runs the ~10s channel-history reconciliation tick
// (§4.2): ask every reconcilable channel for messages since its
// per-channel cursor, insert any the store missed so the next poll picks
// them up, then retry undelivered outbound entries. Called only from
// mainLoop, so chanCursors needs no lock.
func (o *Orchestrator) reconcileChannels(ctx context.Context) {
	all, err := o.store.ListWorkspaces(ctx)
	if err != nil {
		o.log.Warn("reconcile channels: list workspaces failed", "error", err)
		return
	}

	for _, ch := range o.channelsList {
		if !ch.IsConnected() {
			continue
		}
		if rc, ok := ch.(channels.ReconcilableChannel); ok {
			for _, ws := range all {
				if !ch.OwnsJID(ws.JID) {
					continue
				}
				o.reconcileChat(ctx, rc, ws.JID)
			}
		}
		o.plane.RetryUndelivered(ctx, ch)
	}
}

func (o *Orchestrator) reconcileChat(ctx context.Context, rc channels.ReconcilableChannel, jid string) {
	key := rc.Name() + "|" + jid
	since, ok := o.chanCursors[key]
	if !ok {
		// First tick for this chat: start from the global polled cursor so
		// reconciliation only back-fills what polling could have missed.
		last, err := o.store.GetLastTimestamp(ctx)
		if err != nil {
			return
		}
		since = last.Format(time.RFC3339Nano)
		o.chanCursors[key] = since
	}

	msgs, err := rc.FetchInboundSince(ctx, jid, since)
	if err != nil {
		o.log.Debug("reconcile: fetch inbound failed", "channel", rc.Name(), "jid", jid, "error", err)
		return
	}
	maxTS := since
	for _, im := range msgs {
		ts, err := time.Parse(time.RFC3339Nano, im.Timestamp)
		if err != nil {
			continue
		}
		if err := o.store.AppendMessage(ctx, store.Message{
			ID: im.ID, ChatJID: jid, SenderID: im.SenderID, DisplayName: im.DisplayName,
			Content: im.Content, Timestamp: ts, IsFromMe: im.IsFromMe, Type: store.MessageTypeUser,
		}); err != nil {
			o.log.Warn("reconcile: append missed message failed", "jid", jid, "error", err)
			continue
		}
		if im.Timestamp > maxTS {
			maxTS = im.Timestamp
		}
	}
	o.chanCursors[key] = maxTS
}

// syncExternalRepos runs the host-side git sync tick (§4.10 step 9):
// fetch the host repo's origin so upstream changes surface, and when
// main moved, rebase every repo-access worktree onto it with a notice.
func (o *Orchestrator) syncExternalRepos(ctx context.Context) error {
	if o.repoDir == "" {
		return nil
	}
	moved, err := o.worktree.SyncMain(ctx, repoSlugFor(o.repoDir))
	if err != nil {
		return fmt.Errorf("sync main: %w", err)
	}
	if moved {
		o.notifyOtherWorktrees(ctx, "")
	}
	return nil
}
