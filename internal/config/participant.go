package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Participant is the configuration of one participant process.
type Participant struct {
	MessageFile     string `yaml:"message_file"`     // Received messages are appended here
	CoordinatorHost string `yaml:"coordinator_host"` // Coordinator command host
	ID              int64  `yaml:"id"`               // Client id sent on connect
	CoordinatorPort int    `yaml:"coordinator_port"` // Coordinator command port
}

// CoordinatorAddr returns the coordinator command address.
func (p Participant) CoordinatorAddr() string {
	return fmtAddr(p.CoordinatorHost, p.CoordinatorPort)
}

// LoadParticipant reads and validates a participant configuration file.
func LoadParticipant(path string) (Participant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Participant{}, fmt.Errorf("failed to read config file: %w", err)
	}
	p, err := ParseParticipant(data)
	if err != nil {
		return Participant{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseParticipant decodes participant configuration. The legacy format is
// three lines: client id, message file path, and "host port".
func ParseParticipant(data []byte) (Participant, error) {
	p, ok, err := parseLegacyParticipant(data)
	if err != nil {
		return Participant{}, err
	}
	if !ok {
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Participant{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if err := p.Validate(); err != nil {
		return Participant{}, err
	}
	return p, nil
}

// parseLegacyParticipant reports ok when the first non-blank line is a bare
// integer.
func parseLegacyParticipant(data []byte) (Participant, bool, error) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return Participant{}, false, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(lines) == 0 {
		return Participant{}, false, nil
	}
	id, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil {
		return Participant{}, false, nil
	}
	if len(lines) != 3 {
		return Participant{}, true, fmt.Errorf("%w: expected 3 lines (id, message file, host port), got %d", ErrInvalidConfig, len(lines))
	}
	addr := strings.Fields(lines[2])
	if len(addr) != 2 {
		return Participant{}, true, fmt.Errorf("%w: expected \"host port\", got %q", ErrInvalidConfig, lines[2])
	}
	port, err := strconv.Atoi(addr[1])
	if err != nil {
		return Participant{}, true, fmt.Errorf("%w: invalid port %q", ErrInvalidConfig, addr[1])
	}
	return Participant{
		ID:              id,
		MessageFile:     lines[1],
		CoordinatorHost: addr[0],
		CoordinatorPort: port,
	}, true, nil
}

// Validate checks required fields.
func (p Participant) Validate() error {
	switch {
	case p.MessageFile == "":
		return fmt.Errorf("%w: message_file is required", ErrInvalidConfig)
	case p.CoordinatorHost == "":
		return fmt.Errorf("%w: coordinator_host is required", ErrInvalidConfig)
	case p.CoordinatorPort < 1 || p.CoordinatorPort > 65535:
		return fmt.Errorf("%w: coordinator_port must be in [1, 65535], got %d", ErrInvalidConfig, p.CoordinatorPort)
	}
	return nil
}
