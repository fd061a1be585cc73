package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ExecControl drives the audio subsystem through the pactl and wpctl
// command-line tools, the same interface the desktop uses.
type ExecControl struct {
	Pactl   string
	Wpctl   string
	Timeout time.Duration
}

func NewExecControl() *ExecControl {
	return &ExecControl{Pactl: "pactl", Wpctl: "wpctl", Timeout: 5 * time.Second}
}

func (c *ExecControl) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (c *ExecControl) ListCards(ctx context.Context) ([]Card, error) {
	out, err := c.run(ctx, c.Pactl, "list", "cards")
	if err != nil {
		return nil, err
	}
	return parseCards(string(out)), nil
}

func (c *ExecControl) SetCardProfile(ctx context.Context, card, profile string) error {
	_, err := c.run(ctx, c.Pactl, "set-card-profile", card, profile)
	return err
}

func (c *ExecControl) SetAutoSwitch(ctx context.Context, enabled bool) error {
	_, err := c.run(ctx, c.Wpctl, "settings",
		"bluetooth.autoswitch-to-headset-profile", strconv.FormatBool(enabled))
	return err
}

// parseCards extracts cards from `pactl list cards` output. The format is
// indentation-structured text; like the desktop tooling around it, this
// reads the handful of fields it needs and ignores the rest.
func parseCards(output string) []Card {
	var (
		cards      []Card
		current    *Card
		inProfiles bool
	)

	flush := func() {
		if current != nil {
			cards = append(cards, *current)
			current = nil
		}
	}

	for _, line := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(stripped, "Name:"):
			flush()
			current = &Card{Name: strings.TrimSpace(strings.TrimPrefix(stripped, "Name:"))}
			inProfiles = false
		case current == nil:
			continue
		case strings.HasPrefix(stripped, "device.description ="):
			value := strings.TrimSpace(strings.SplitN(stripped, "=", 2)[1])
			current.Description = strings.Trim(value, `"`)
		case strings.HasPrefix(stripped, "Active Profile:"):
			current.ActiveProfile = strings.TrimSpace(strings.TrimPrefix(stripped, "Active Profile:"))
			inProfiles = false
		case strings.HasPrefix(stripped, "Profiles:"):
			inProfiles = true
		case inProfiles:
			if p, ok := parseProfileLine(stripped); ok {
				current.Profiles = append(current.Profiles, p)
			} else {
				inProfiles = false
			}
		}
	}
	flush()
	return cards
}

// parseProfileLine parses one profile entry, e.g.
//
//	headset-head-unit-msbc: Headset Head Unit (HSP/HFP, codec mSBC) (sinks: 1, sources: 1, priority: 3, available: yes)
func parseProfileLine(line string) (Profile, bool) {
	if !strings.Contains(line, "sinks:") {
		return Profile{}, false
	}
	// Profile names can themselves contain colons (output:analog-stereo),
	// so split on the first ": " separator instead of the first colon.
	idx := strings.Index(line, ": ")
	if idx < 0 {
		return Profile{}, false
	}
	p := Profile{
		Name:        strings.TrimSpace(line[:idx]),
		Description: strings.TrimSpace(line[idx+2:]),
		Sinks:       parseCount(line, "sinks:"),
		Sources:     parseCount(line, "sources:"),
	}
	return p, true
}

func parseCount(line, key string) int {
	idx := strings.Index(line, key)
	if idx < 0 {
		return 0
	}
	rest := strings.TrimSpace(line[idx+len(key):])
	end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if end == 0 {
		return 0
	}
	if end < 0 {
		end = len(rest)
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return n
}
