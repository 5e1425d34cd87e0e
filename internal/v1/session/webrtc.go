package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/classroomhub/collab-core/internal/v1/logging"
	"github.com/classroomhub/collab-core/internal/v1/metrics"
)

// handleSignal relays an opaque offer/answer/ice-candidate frame to its
// target peer. The hub never inspects SDP or ICE contents — it is purely
// a router keyed by connection id (spec §4.4.5, §1 Non-goals: no media
// decode/transcode/mix).
func (r *Room) handleSignal(ctx context.Context, c *Client, frame Frame) {
	payload, ok := assertPayload[SignalPayload](frame.Payload)
	logHelper(ok, c.ConnectionID, "handleSignal", r.ID)
	if !ok {
		return
	}

	target := r.connectionFor(payload.TargetPeerID)
	if target == nil {
		metrics.WebrtcConnectionAttempts.WithLabelValues("target_not_found").Inc()
		logging.Warn(ctx, "signal target not connected locally",
			zap.String("room_id", string(r.ID)),
			zap.String("event", string(frame.Event)),
			zap.String("target", string(payload.TargetPeerID)))
		return
	}

	relay := signalRelayPayload{
		FromPeerID: c.ConnectionID,
		Offer:      payload.Offer,
		Answer:     payload.Answer,
		Candidate:  payload.Candidate,
	}

	target.sendFrame(frame.Event, relay)
	metrics.WebrtcConnectionAttempts.WithLabelValues("relayed").Inc()
}
