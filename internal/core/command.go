package core

import (
	"errors"
	"fmt"
	"strings"
)

// Command is a user action relayed from the status bar to the controller.
type Command string

const (
	CmdPaletteUp      Command = "palette_up"
	CmdPaletteDown    Command = "palette_down"
	CmdBrightnessUp   Command = "brightness_up"
	CmdBrightnessDown Command = "brightness_down"
	CmdPower          Command = "power"
)

// ErrUnknownCommand is returned for tokens outside the command set.
var ErrUnknownCommand = errors.New("unknown command")

// Commands lists every recognised command token.
var Commands = []Command{
	CmdPaletteUp,
	CmdPaletteDown,
	CmdBrightnessUp,
	CmdBrightnessDown,
	CmdPower,
}

// ParseCommand matches token exactly against the command set. Surrounding
// whitespace is ignored; case is not.
func ParseCommand(token string) (Command, error) {
	token = strings.TrimSpace(token)
	for _, c := range Commands {
		if string(c) == token {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, token)
}

// Update is a command together with the settings patch it implies. Channels
// that speak in patches send Patch; channels that speak in tokens send Command.
type Update struct {
	Command Command
	Patch   Patch
}

// Plan computes the update a command implies for the given snapshot.
// paletteIDs is the ascending palette sequence used for cycling.
func Plan(cmd Command, cfg Config, paletteIDs []int) (Update, error) {
	u := Update{Command: cmd}
	switch cmd {
	case CmdPaletteUp:
		u.Patch = PalettePatch(NextPalette(paletteIDs, cfg.Palette()))
	case CmdPaletteDown:
		u.Patch = PalettePatch(PrevPalette(paletteIDs, cfg.Palette()))
	case CmdBrightnessUp:
		u.Patch = BrightnessPatch(BrightnessUp(cfg.GlobalBrightness))
	case CmdBrightnessDown:
		u.Patch = BrightnessPatch(BrightnessDown(cfg.GlobalBrightness))
	case CmdPower:
		u.Patch = PowerPatch(!bool(cfg.On))
	default:
		return Update{}, fmt.Errorf("%w: %q", ErrUnknownCommand, string(cmd))
	}
	return u, nil
}
