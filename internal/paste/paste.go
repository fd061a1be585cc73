// Package paste delivers a transcript into the window that had focus when
// dictation started. Delivery is clipboard plus a synthetic paste keystroke,
// with Shift+Insert for terminal emulators that treat Ctrl+V as a control
// character.
package paste

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/atotto/clipboard"
)

// Target identifies the window the transcript should land in.
type Target struct {
	WindowID string
	Class    string
}

// Paster abstracts window focus and text delivery.
type Paster interface {
	// CurrentTarget snapshots the focused window. Call it before starting
	// capture so a slow transcription cannot change where text lands.
	CurrentTarget() (Target, error)

	// Deliver copies text to the clipboard and primary selection, refocuses
	// the target, and sends the paste keystroke.
	Deliver(text string, target Target) error
}

// XDoTool is the X11 implementation built on the xdotool binary.
type XDoTool struct {
	Bin             string
	TerminalClasses []string
	Timeout         time.Duration
	Log             *slog.Logger

	// run is swappable for tests.
	run func(args ...string) (string, error)
}

func NewXDoTool(terminalClasses []string, log *slog.Logger) *XDoTool {
	x := &XDoTool{
		Bin:             "xdotool",
		TerminalClasses: terminalClasses,
		Timeout:         3 * time.Second,
		Log:             log,
	}
	x.run = x.runExec
	return x
}

func (x *XDoTool) runExec(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), x.Timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, x.Bin, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", x.Bin, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (x *XDoTool) CurrentTarget() (Target, error) {
	id, err := x.run("getactivewindow")
	if err != nil {
		return Target{}, fmt.Errorf("query focused window: %w", err)
	}
	class, err := x.run("getwindowclassname", id)
	if err != nil {
		// Class only selects the keystroke; an unknown class still pastes.
		x.Log.Warn("query window class", slog.String("error", err.Error()))
		class = ""
	}
	return Target{WindowID: id, Class: class}, nil
}

func (x *XDoTool) Deliver(text string, target Target) error {
	if err := copyToSelections(text); err != nil {
		return err
	}
	if target.WindowID == "" {
		return fmt.Errorf("no target window to paste into")
	}
	if _, err := x.run("windowactivate", "--sync", target.WindowID); err != nil {
		return fmt.Errorf("refocus window %s: %w", target.WindowID, err)
	}
	key := "ctrl+v"
	if x.isTerminal(target.Class) {
		key = "shift+Insert"
	}
	if _, err := x.run("key", "--clearmodifiers", "--window", target.WindowID, key); err != nil {
		return fmt.Errorf("send %s: %w", key, err)
	}
	return nil
}

func (x *XDoTool) isTerminal(class string) bool {
	for _, c := range x.TerminalClasses {
		if strings.EqualFold(c, class) {
			return true
		}
	}
	return false
}

// copyToSelections writes text to both the clipboard and, where the platform
// supports it, the primary selection so middle-click paste works too.
func copyToSelections(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("copy to clipboard: %w", err)
	}
	if !clipboard.Primary {
		clipboard.Primary = true
		err := clipboard.WriteAll(text)
		clipboard.Primary = false
		if err != nil {
			return fmt.Errorf("copy to primary selection: %w", err)
		}
	}
	return nil
}
