package detection

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules decodes a rules document ("rules:" list) and validates each rule.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	seen := map[string]bool{}
	for _, r := range f.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID)
		}
		seen[r.ID] = true
	}
	return f.Rules, nil
}

// LoadRules reads a rules file.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// LoadRulesOrDefault reads path, falling back to DefaultRules when the file
// does not exist.
func LoadRulesOrDefault(path string) ([]Rule, error) {
	rules, err := LoadRules(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultRules(), nil
	}
	return rules, err
}

// MarshalRules encodes rules in the format ParseRules reads.
func MarshalRules(rules []Rule) ([]byte, error) {
	return yaml.Marshal(ruleFile{Rules: rules})
}

// DefaultRules is the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "ssh_brute_force",
			Name:        "SSH brute force",
			Description: "Repeated failed logins",
			Severity:    SeverityHigh,
			Mitre:       "T1110",
			Threshold:   &Threshold{Field: "event_type", Value: "login_failed", Count: 5, WindowSecs: 300},
			Response:    "block_ip",
			Enabled:     true,
		},
		{
			ID:          "sudo_failure_burst",
			Name:        "Sudo failure burst",
			Description: "Repeated sudo authentication failures",
			Severity:    SeverityMedium,
			Mitre:       "T1548.003",
			Threshold:   &Threshold{Field: "event_type", Value: "sudo_failed", Count: 3, WindowSecs: 60},
			Response:    "alert",
			Enabled:     true,
		},
		{
			ID:          "reverse_shell",
			Name:        "Reverse shell",
			Description: "Shell redirected to a TCP socket",
			Severity:    SeverityCritical,
			Mitre:       "T1059.004",
			Match:       &FieldMatch{Field: "command", Pattern: "/dev/tcp/"},
			Response:    "kill_process",
			Enabled:     true,
		},
		{
			ID:          "recon_then_exfil",
			Name:        "Recon followed by exfiltration",
			Description: "Port scan, successful login and large upload",
			Severity:    SeverityCritical,
			Mitre:       "T1041",
			Sequence: &Sequence{
				Matchers: []Matcher{
					{Field: "event_type", Value: "port_scan"},
					{Field: "event_type", Value: "login_success"},
					{Field: "event_type", Value: "large_upload"},
				},
				WithinSecs: 3600,
			},
			Response: "isolate_host",
			Enabled:  true,
		},
	}
}

// ParseEvents reads a JSON array of events or newline-delimited JSON events.
// Events without a timestamp get now.
func ParseEvents(r io.Reader, now time.Time) ([]LogEvent, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []LogEvent
	dec := json.NewDecoder(br)
	if first == '[' {
		if err := dec.Decode(&events); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
	} else {
		for {
			var ev LogEvent
			err := dec.Decode(&ev)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decode event %d: %w", len(events)+1, err)
			}
			events = append(events, ev)
		}
	}
	for i := range events {
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
	}
	return events, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsRune([]byte(" \t\r\n"), rune(b[0])) {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}
