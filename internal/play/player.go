package play

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type Player struct {
	lookPath func(string) (string, error)
}

func New() *Player {
	return &Player{lookPath: exec.LookPath}
}

// Play blocks until the recording at path has finished playing or ctx ends.
func (p *Player) Play(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file not found: %s", path)
	}

	player, err := p.findAudioPlayer(path)
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	args := playerArgs(player, path)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	return nil
}

func playerArgs(player, path string) []string {
	switch player {
	case "vlc":
		return []string{"vlc", "--play-and-exit", path}
	case "mpv":
		return []string{"mpv", "--no-video", path}
	case "ffplay":
		return []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error", path}
	default:
		return []string{player, path}
	}
}

// findAudioPlayer returns the first installed player able to play path.
// aplay only handles WAV.
func (p *Player) findAudioPlayer(path string) (string, error) {
	players := []string{"vlc", "mpv", "ffplay"}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		players = append(players, "aplay")
	}

	for _, player := range players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}
