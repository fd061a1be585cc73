// Package device negotiates the audio-subsystem state that makes a
// Bluetooth headset microphone usable. A2DP exposes no source, so the card
// has to be switched to an HFP headset profile for the session and switched
// back afterwards, with WirePlumber's automatic profile switching held off
// so it cannot race the manual change.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Profile is one selectable profile on a card.
type Profile struct {
	Name        string
	Description string
	Sinks       int
	Sources     int
}

// Card is an audio card as reported by the subsystem, with its currently
// active profile.
type Card struct {
	Name          string
	Description   string
	ActiveProfile string
	Profiles      []Profile
}

// Control abstracts the audio-subsystem commands the negotiator issues.
type Control interface {
	ListCards(ctx context.Context) ([]Card, error)
	SetCardProfile(ctx context.Context, card, profile string) error
	SetAutoSwitch(ctx context.Context, enabled bool) error
}

// ProfileSwitchError reports a failed profile switch command.
type ProfileSwitchError struct {
	Card    string
	Profile string
	Err     error
}

func (e *ProfileSwitchError) Error() string {
	return fmt.Sprintf("switch card %s to profile %s: %v", e.Card, e.Profile, e.Err)
}

func (e *ProfileSwitchError) Unwrap() error { return e.Err }

// Negotiator owns the card profile for the duration of a capture episode.
// Prepare and Restore form a scoped acquisition pair; only one episode may
// be active at a time.
type Negotiator struct {
	ctl        Control
	log        *slog.Logger
	settle     time.Duration
	preferMSBC bool

	mu      sync.Mutex
	episode *episode
}

// episode records what Prepare changed so Restore can undo exactly that.
type episode struct {
	card          string
	original      string
	switched      bool
	autoswitchOff bool
}

type Options struct {
	Settle     time.Duration
	PreferMSBC bool
}

func NewNegotiator(ctl Control, log *slog.Logger, opts Options) *Negotiator {
	return &Negotiator{
		ctl:        ctl,
		log:        log,
		settle:     opts.Settle,
		preferMSBC: opts.PreferMSBC,
	}
}

// Prepare inspects the card topology and, when a Bluetooth headset is
// present, switches it to a microphone-capable profile. It returns a
// human-readable device hint for capture-device resolution; the hint is
// empty when no switch was needed and the default input device should be
// used. Restore must be called on every exit path afterwards.
func (n *Negotiator) Prepare(ctx context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.episode != nil {
		return "", errors.New("negotiation episode already active")
	}

	cards, err := n.ctl.ListCards(ctx)
	if err != nil {
		// Inspection failure is not fatal: capture falls back to the
		// default input device, as if no headset were connected.
		n.log.Warn("audio card inspection failed", slog.String("error", err.Error()))
		n.episode = &episode{}
		return "", nil
	}

	card := findBluetoothCard(cards)
	if card == nil {
		n.episode = &episode{}
		return "", nil
	}

	target := pickHeadsetProfile(*card, n.preferMSBC)
	if target == "" {
		n.log.Info("bluetooth card has no headset profile, using default input",
			slog.String("card", card.Name))
		n.episode = &episode{}
		return "", nil
	}

	ep := &episode{card: card.Name, original: card.ActiveProfile}

	// Disable autoswitch first: WirePlumber restores A2DP within seconds
	// of a manual switch otherwise.
	if err := n.ctl.SetAutoSwitch(ctx, false); err != nil {
		n.log.Warn("disabling profile autoswitch failed", slog.String("error", err.Error()))
	} else {
		ep.autoswitchOff = true
	}

	if target != card.ActiveProfile {
		if err := n.ctl.SetCardProfile(ctx, card.Name, target); err != nil {
			n.episode = ep
			n.restoreLocked(ctx)
			return "", &ProfileSwitchError{Card: card.Name, Profile: target, Err: err}
		}
		ep.switched = true

		// Let the audio server re-enumerate devices before capture opens.
		select {
		case <-time.After(n.settle):
		case <-ctx.Done():
			n.episode = ep
			n.restoreLocked(ctx)
			return "", ctx.Err()
		}
	}

	n.episode = ep
	n.log.Info("switched bluetooth card to headset profile",
		slog.String("card", card.Name),
		slog.String("profile", target),
		slog.String("original", card.ActiveProfile))
	return card.Description, nil
}

// Restore undoes whatever Prepare changed. It is idempotent, safe when
// Prepare was a no-op, and best-effort: a failed switch-back is logged and
// swallowed so cleanup never escalates.
func (n *Negotiator) Restore(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.restoreLocked(ctx)
}

func (n *Negotiator) restoreLocked(ctx context.Context) {
	ep := n.episode
	if ep == nil {
		return
	}
	n.episode = nil

	if ep.switched && ep.original != "" {
		if err := n.ctl.SetCardProfile(ctx, ep.card, ep.original); err != nil {
			n.log.Warn("restoring original card profile failed",
				slog.String("card", ep.card),
				slog.String("profile", ep.original),
				slog.String("error", err.Error()))
		}
	}
	if ep.autoswitchOff {
		if err := n.ctl.SetAutoSwitch(ctx, true); err != nil {
			n.log.Warn("re-enabling profile autoswitch failed", slog.String("error", err.Error()))
		}
	}
}

func findBluetoothCard(cards []Card) *Card {
	for i := range cards {
		if strings.Contains(strings.ToLower(cards[i].Name), "bluez") {
			return &cards[i]
		}
	}
	return nil
}

// pickHeadsetProfile selects a microphone-capable profile: an mSBC headset
// profile when preferred and present (noticeably better voice quality than
// CVSD), otherwise any headset profile that exposes a source.
func pickHeadsetProfile(card Card, preferMSBC bool) string {
	if preferMSBC {
		for _, p := range card.Profiles {
			if isHeadset(p) && strings.Contains(strings.ToLower(p.Description), "msbc") {
				return p.Name
			}
		}
	}
	for _, p := range card.Profiles {
		if isHeadset(p) {
			return p.Name
		}
	}
	return ""
}

func isHeadset(p Profile) bool {
	return strings.Contains(strings.ToLower(p.Name), "headset") && p.Sources > 0
}
