package autoreply

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Digest appends digest-bound messages to <Dir>/<channel>.md.
type Digest struct {
	Dir string
}

// SafeChannelName returns a filesystem-safe version of a channel name.
func SafeChannelName(channel string) string {
	s := strings.TrimSpace(channel)
	if s == "" {
		s = "default"
	}
	return strings.NewReplacer(" ", "_", "/", "_", "\\", "_", "..", "_").Replace(s)
}

// Path returns the digest file for channel.
func (d *Digest) Path(channel string) string {
	return filepath.Join(d.Dir, SafeChannelName(channel)+".md")
}

// Append adds msg to its channel's digest, creating the file if needed.
func (d *Digest) Append(msg ClassifiedMessage) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("create digest dir: %w", err)
	}
	f, err := os.OpenFile(d.Path(msg.Message.Channel), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open digest: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteString(formatDigestBlock(msg)); err != nil {
		return fmt.Errorf("write digest: %w", err)
	}
	return nil
}

func formatDigestBlock(msg ClassifiedMessage) string {
	m := msg.Message
	var b strings.Builder
	b.WriteString("\n## ")
	b.WriteString(m.ReceivedAt.UTC().Format("2006-01-02 15:04"))
	if s := summarize(m); s != "" {
		b.WriteString(" - ")
		b.WriteString(s)
	}
	b.WriteString("\n\n")
	if m.Sender != "" {
		fmt.Fprintf(&b, "- **From:** %s\n", m.Sender)
	}
	fmt.Fprintf(&b, "- **Type:** %s (%s)\n", msg.MessageType, msg.Priority)
	if body := strings.TrimSpace(m.Body); body != "" && body != summarize(m) {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	return b.String()
}

// Read returns the tail of a channel's digest, at most limitBytes (0 means all).
func (d *Digest) Read(channel string, limitBytes int) (string, error) {
	data, err := os.ReadFile(d.Path(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	s := string(data)
	if limitBytes <= 0 || len(s) <= limitBytes {
		return s, nil
	}
	return s[len(s)-limitBytes:], nil
}
