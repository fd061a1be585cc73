package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeControl records every mutation so tests can assert the exact command
// sequence and final state.
type fakeControl struct {
	cards []Card

	listErr    error
	profileErr error

	profileCalls []string // "card/profile"
	autoswitch   []bool
}

func (f *fakeControl) ListCards(context.Context) ([]Card, error) {
	return f.cards, f.listErr
}

func (f *fakeControl) SetCardProfile(_ context.Context, card, profile string) error {
	if f.profileErr != nil {
		return f.profileErr
	}
	f.profileCalls = append(f.profileCalls, card+"/"+profile)
	for i := range f.cards {
		if f.cards[i].Name == card {
			f.cards[i].ActiveProfile = profile
		}
	}
	return nil
}

func (f *fakeControl) SetAutoSwitch(_ context.Context, enabled bool) error {
	f.autoswitch = append(f.autoswitch, enabled)
	return nil
}

func headsetCard() Card {
	return Card{
		Name:          "bluez_card.F8_4E_17_12_34_56",
		Description:   "WH-1000XM5",
		ActiveProfile: "a2dp-sink",
		Profiles: []Profile{
			{Name: "a2dp-sink", Description: "High Fidelity Playback (A2DP Sink)", Sinks: 1, Sources: 0},
			{Name: "headset-head-unit-cvsd", Description: "Headset Head Unit (HSP/HFP, codec CVSD)", Sinks: 1, Sources: 1},
			{Name: "headset-head-unit-msbc", Description: "Headset Head Unit (HSP/HFP, codec mSBC)", Sinks: 1, Sources: 1},
		},
	}
}

func TestPrepareSwitchesToMSBC(t *testing.T) {
	ctl := &fakeControl{cards: []Card{headsetCard()}}
	n := NewNegotiator(ctl, testLogger(), Options{PreferMSBC: true})

	hint, err := n.Prepare(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hint != "WH-1000XM5" {
		t.Fatalf("expected headset description hint, got %q", hint)
	}
	if len(ctl.profileCalls) != 1 || ctl.profileCalls[0] != "bluez_card.F8_4E_17_12_34_56/headset-head-unit-msbc" {
		t.Fatalf("unexpected profile calls %v", ctl.profileCalls)
	}
	if len(ctl.autoswitch) != 1 || ctl.autoswitch[0] {
		t.Fatalf("expected autoswitch disabled once, got %v", ctl.autoswitch)
	}
}

func TestPrepareFallsBackToCVSD(t *testing.T) {
	card := headsetCard()
	card.Profiles = card.Profiles[:2] // no mSBC
	ctl := &fakeControl{cards: []Card{card}}
	n := NewNegotiator(ctl, testLogger(), Options{PreferMSBC: true})

	if _, err := n.Prepare(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ctl.profileCalls) != 1 || ctl.profileCalls[0] != "bluez_card.F8_4E_17_12_34_56/headset-head-unit-cvsd" {
		t.Fatalf("unexpected profile calls %v", ctl.profileCalls)
	}
}

func TestPrepareNoHeadsetIsNoop(t *testing.T) {
	ctl := &fakeControl{cards: []Card{{Name: "alsa_card.pci-0000_00_1f.3", ActiveProfile: "output:analog-stereo"}}}
	n := NewNegotiator(ctl, testLogger(), Options{PreferMSBC: true})

	hint, err := n.Prepare(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hint != "" {
		t.Fatalf("expected empty hint, got %q", hint)
	}
	if len(ctl.profileCalls) != 0 || len(ctl.autoswitch) != 0 {
		t.Fatal("no-op prepare must not touch the subsystem")
	}

	// Restore after a no-op prepare is safe and silent.
	n.Restore(context.Background())
	n.Restore(context.Background())
	if len(ctl.profileCalls) != 0 || len(ctl.autoswitch) != 0 {
		t.Fatal("restore after no-op prepare must not touch the subsystem")
	}
}

func TestRestoreIdempotent(t *testing.T) {
	ctl := &fakeControl{cards: []Card{headsetCard()}}
	n := NewNegotiator(ctl, testLogger(), Options{PreferMSBC: true})

	if _, err := n.Prepare(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n.Restore(context.Background())
	if ctl.cards[0].ActiveProfile != "a2dp-sink" {
		t.Fatalf("expected original profile restored, got %q", ctl.cards[0].ActiveProfile)
	}
	if len(ctl.autoswitch) != 2 || !ctl.autoswitch[1] {
		t.Fatalf("expected autoswitch re-enabled, got %v", ctl.autoswitch)
	}

	calls := len(ctl.profileCalls)
	n.Restore(context.Background())
	n.Restore(context.Background())
	if len(ctl.profileCalls) != calls || len(ctl.autoswitch) != 2 {
		t.Fatal("repeated restore must be a no-op")
	}
}

func TestPrepareAgainAfterRestore(t *testing.T) {
	ctl := &fakeControl{cards: []Card{headsetCard()}}
	n := NewNegotiator(ctl, testLogger(), Options{PreferMSBC: true})

	if _, err := n.Prepare(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := n.Prepare(context.Background()); err == nil {
		t.Fatal("expected error for overlapping episode")
	}
	n.Restore(context.Background())
	if _, err := n.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare after restore should succeed, got %v", err)
	}
}

func TestPrepareSwitchFailureRestores(t *testing.T) {
	ctl := &fakeControl{cards: []Card{headsetCard()}, profileErr: errors.New("card busy")}
	n := NewNegotiator(ctl, testLogger(), Options{PreferMSBC: true})

	_, err := n.Prepare(context.Background())
	var pse *ProfileSwitchError
	if !errors.As(err, &pse) {
		t.Fatalf("expected ProfileSwitchError, got %v", err)
	}
	if len(ctl.autoswitch) != 2 || ctl.autoswitch[0] || !ctl.autoswitch[1] {
		t.Fatalf("expected autoswitch disabled then re-enabled, got %v", ctl.autoswitch)
	}

	// The failed episode is fully released.
	ctl.profileErr = nil
	if _, err := n.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare after failed episode should succeed, got %v", err)
	}
}

func TestPrepareInspectionFailureFallsBack(t *testing.T) {
	ctl := &fakeControl{listErr: errors.New("pactl not found")}
	n := NewNegotiator(ctl, testLogger(), Options{})

	hint, err := n.Prepare(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hint != "" {
		t.Fatalf("expected empty hint, got %q", hint)
	}
	n.Restore(context.Background())
}
