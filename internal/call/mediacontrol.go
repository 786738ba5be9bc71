package call

// Local media toggles, aggregate state derivation and observer publishing.

// SetMuted toggles the outgoing audio track on every link and announces
// the new state over the data channels.
func (o *Orchestrator) SetMuted(muted bool) {
	o.exec.run(func() {
		if o.active == nil || o.active.muted == muted {
			return
		}
		o.active.muted = muted
		o.active.roster.each(func(p *participant) {
			if p.link == nil {
				return
			}
			p.link.setAudioEnabled(!muted)
			o.sendDataBestEffort(p, DCMuted, dcMuted{Muted: muted})
		})
		o.publish()
	})
}

// SetVideoEnabled toggles the outgoing camera track. Links that attach a
// new sender renegotiate on their own through the reconnect path.
func (o *Orchestrator) SetVideoEnabled(enabled bool) {
	o.exec.run(func() {
		if o.active == nil || o.active.videoSharing == enabled {
			return
		}
		o.active.videoSharing = enabled
		o.active.roster.each(func(p *participant) {
			if p.link == nil {
				return
			}
			if _, err := p.link.enableVideo(enabled); err != nil {
				o.log.Warn("[Orchestrator] toggling video failed",
					"peer", p.contact.Identity.ShortString(), "error", err)
			}
			o.sendDataBestEffort(p, DCVideoSharing, dcVideoSharing{Sharing: enabled})
		})
		o.publish()
	})
}

// SetScreenShareEnabled toggles the outgoing screen track.
func (o *Orchestrator) SetScreenShareEnabled(enabled bool) {
	o.exec.run(func() {
		if o.active == nil || o.active.screenSharing == enabled {
			return
		}
		o.active.screenSharing = enabled
		o.active.roster.each(func(p *participant) {
			if p.link == nil {
				return
			}
			if _, err := p.link.enableScreen(enabled); err != nil {
				o.log.Warn("[Orchestrator] toggling screen share failed",
					"peer", p.contact.Identity.ShortString(), "error", err)
			}
			o.sendDataBestEffort(p, DCScreenSharing, dcScreenSharing{Sharing: enabled})
		})
		o.publish()
	})
}

// updateAggregateState derives the call-level state from the peer states.
// Transitions the table forbids are skipped; the terminal paths are driven
// explicitly by endActiveCall and failCall.
func (o *Orchestrator) updateAggregateState() {
	if o.active == nil {
		return
	}
	var connected, connecting, ringing, busy, nonTerminal int
	o.active.roster.each(func(p *participant) {
		if p.link == nil {
			nonTerminal++
			return
		}
		switch p.link.state {
		case PeerConnected:
			connected++
		case PeerConnectingToPeer, PeerReconnecting:
			connecting++
		case PeerRinging:
			ringing++
		case PeerBusy:
			busy++
		}
		if !p.link.state.IsTerminal() {
			nonTerminal++
		}
	})

	switch {
	case connected > 0:
		o.setCallState(StateCallInProgress)
	case connecting > 0:
		o.setCallState(StateConnecting)
	case ringing > 0:
		o.setCallState(StateRinging)
	case busy > 0 && nonTerminal == busy:
		o.setCallState(StateBusy)
	}
}

func (o *Orchestrator) setCallState(next State) bool {
	call := o.active
	if call.state == next {
		return false
	}
	if !call.state.CanTransitionTo(next) {
		if next == StateFailed || next == StateCallEnded {
			o.log.Debug("[Orchestrator] terminal transition rejected",
				"from", call.state, "to", next)
		}
		return false
	}
	o.log.Info("[Orchestrator] call state change",
		"call_id", call.id, "from", call.state, "to", next)
	call.state = next
	return true
}

func (o *Orchestrator) scheduleAudioPoll() {
	o.active.audioTimer = o.exec.after(audioLevelInterval, o.pollAudioLevels)
}

func (o *Orchestrator) pollAudioLevels() {
	if o.active == nil || o.active.state != StateCallInProgress {
		return
	}
	callID := o.active.id
	o.active.roster.each(func(p *participant) {
		if p.link == nil {
			return
		}
		if level, ok := p.link.audioLevel(); ok {
			o.observer.AudioLevelUpdated(callID, p.contact.Identity, level)
		}
	})
	o.scheduleAudioPoll()
}

func (o *Orchestrator) publish() {
	if o.active == nil {
		return
	}
	o.observer.CallUpdated(o.snapshotLocked())
}

func (o *Orchestrator) snapshotLocked() CallSnapshot {
	call := o.active
	snap := CallSnapshot{
		CallID:        call.id,
		OwnedIdentity: call.owned,
		Role:          call.role,
		State:         call.state,
		Failure:       call.failure,
		GroupID:       call.groupID,
		StartedAt:     call.startedAt,
		Participants:  make([]ParticipantInfo, 0, call.roster.len()),
	}
	call.roster.each(func(p *participant) {
		info := ParticipantInfo{
			Identity:    p.contact.Identity,
			DisplayName: p.contact.DisplayName,
			Role:        p.role,
			State:       PeerInitial,
		}
		if p.link != nil {
			info.State = p.link.state
			info.Muted = p.link.remoteMuted
			info.VideoOn = p.link.remoteVideoSharing
			info.ScreenOn = p.link.remoteScreenSharing
		}
		snap.Participants = append(snap.Participants, info)
	})
	return snap
}

// Snapshot returns the current call view, or ok=false when no call is
// active.
func (o *Orchestrator) Snapshot() (CallSnapshot, bool) {
	var (
		snap CallSnapshot
		ok   bool
	)
	o.exec.run(func() {
		if o.active != nil {
			snap = o.snapshotLocked()
			ok = true
		}
	})
	return snap, ok
}
