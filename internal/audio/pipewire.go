package audio

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// PipeWire manages PipeWire/JACK port operations through pw-link.
type PipeWire struct {
	run   func(name string, args ...string) ([]byte, error)
	sleep func(time.Duration)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
		sleep: time.Sleep,
	}
}

// ListPorts returns all available JACK ports via PipeWire
func (pw *PipeWire) ListPorts() ([]string, error) {
	output, err := pw.run("pw-link", "-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidatePort checks that a port exists exactly once. A port name listed
// twice means two clients registered the same name and links would be
// ambiguous.
func (pw *PipeWire) ValidatePort(portName string) error {
	if portName == "" {
		return nil
	}

	ports, err := pw.ListPorts()
	if err != nil {
		return err
	}
	return validatePortInList(portName, ports)
}

func validatePortInList(portName string, ports []string) error {
	duplicates := findPortDuplicatesInList(portName, ports)
	if len(duplicates) == 0 {
		return fmt.Errorf("port not found: %s", portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("duplicate sources detected for '%s': %v. Please close conflicting applications", portName, duplicates)
	}
	return nil
}

// findPortDuplicatesInList finds all ports with exactly the same name
func findPortDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

func (pw *PipeWire) portExists(portName string) bool {
	ports, err := pw.ListPorts()
	if err != nil {
		slog.Debug("Failed to check port existence", "port", portName, "error", err)
		return false
	}
	return len(findPortDuplicatesInList(portName, ports)) > 0
}

// WaitForPort polls until portName appears or timeout elapses.
func (pw *PipeWire) WaitForPort(portName string, timeout time.Duration) error {
	const interval = 100 * time.Millisecond
	for waited := time.Duration(0); waited < timeout; waited += interval {
		if pw.portExists(portName) {
			slog.Debug("JACK port found", "port", portName)
			return nil
		}
		pw.sleep(interval)
	}
	return fmt.Errorf("timeout waiting for JACK port: %s", portName)
}

// ConnectPortsWithRetry connects two JACK ports, retrying while the source
// is not there yet. Application ports get a longer window than hardware.
func (pw *PipeWire) ConnectPortsWithRetry(sourcePort, destPort string) error {
	maxRetries, retryDelay := 5, 500*time.Millisecond
	if isEphemeralPort(sourcePort) {
		maxRetries, retryDelay = 15, time.Second
		slog.Debug("Using ephemeral port retry strategy", "source", sourcePort, "retries", maxRetries)
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if pw.portExists(sourcePort) {
			err := pw.connectPorts(sourcePort, destPort)
			if err == nil {
				slog.Debug("Successfully connected ports", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err)
		} else {
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt)
		}

		if attempt < maxRetries {
			pw.sleep(retryDelay)
		}
	}

	return fmt.Errorf("failed to connect %s to %s after %d attempts", sourcePort, destPort, maxRetries)
}

func (pw *PipeWire) connectPorts(sourcePort, destPort string) error {
	output, err := pw.run("pw-link", sourcePort, destPort)
	if err != nil {
		return fmt.Errorf("failed to connect ports: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// isEphemeralPort reports whether a port belongs to an application that may
// register its ports late (browsers, players, call clients).
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)

	ephemeralApps := []string{
		"chrome", "chromium", "firefox", "spotify", "discord",
		"vlc", "mpv", "zoom", "teams", "slack", "obs",
	}

	for _, app := range ephemeralApps {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}
	return false
}
